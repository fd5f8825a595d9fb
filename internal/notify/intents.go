package notify

import (
	"threads/internal/domain"
	"threads/internal/util"
)

const (
	smsBodyLimit = 140

	chatStartedSMS    = "New chat from {name}: {message}"
	chatMessageSMS    = "{name}: {message}"
	newContactSubject = "New message from {name}"
	newContactBody    = "You have a new message from {name} <{email}>.\n\nSubject: {subject}\n\n{message}"
	incomingSubject   = "New email from {name}: {subject}"
	incomingBody      = "{name} <{email}> wrote:\n\n{message}"
	replySubject      = "New reply from {model}"
	replyBody         = "{model} replied:\n\n{message}"
)

func displayName(name, email string) string {
	if name != "" {
		return name
	}
	if email != "" {
		return email
	}
	return "Someone"
}

// ChatStarted is the SMS telling a model a live chat just opened. ok is false when the model
// cannot receive it: no SMS number, or chat disabled.
func ChatStarted(model domain.Model, contact domain.Contact, msg domain.Message) (n domain.Notification, ok bool) {
	if model.Phone == "" || !model.ChatEnabled {
		return domain.Notification{}, false
	}
	return domain.Notification{
		Kind:           domain.KindChatStarted,
		Channel:        domain.ChannelSMS,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ModelID:        model.ID,
		Recipient:      model.Phone,
		Body: util.RenderTemplate(chatStartedSMS, map[string]string{
			"name":    displayName(contact.Name, contact.Email),
			"message": util.Truncate(msg.Message, smsBodyLimit),
		}),
	}, true
}

// NewContactMessage emails the model a contact-form submission.
func NewContactMessage(model domain.Model, contact domain.Contact, msg domain.Message) domain.Notification {
	vars := map[string]string{
		"name":    displayName(contact.Name, contact.Email),
		"email":   contact.Email,
		"subject": msg.Subject,
		"message": msg.Message,
	}
	return domain.Notification{
		Kind:           domain.KindNewContact,
		Channel:        domain.ChannelEmail,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ModelID:        model.ID,
		Recipient:      model.Email,
		Subject:        util.RenderTemplate(newContactSubject, vars),
		Body:           util.RenderTemplate(newContactBody, vars),
	}
}

// IncomingEmail forwards an inbound email to the model's inbox.
func IncomingEmail(model domain.Model, msg domain.Message) domain.Notification {
	vars := map[string]string{
		"name":    displayName(msg.SenderName, msg.SenderEmail),
		"email":   msg.SenderEmail,
		"subject": msg.Subject,
		"message": msg.Message,
	}
	return domain.Notification{
		Kind:           domain.KindIncomingEmail,
		Channel:        domain.ChannelEmail,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ModelID:        model.ID,
		Recipient:      model.Email,
		Subject:        util.RenderTemplate(incomingSubject, vars),
		Body:           util.RenderTemplate(incomingBody, vars),
	}
}

// OutgoingEmail delivers a model-authored email to the contact as written.
func OutgoingEmail(modelID string, msg domain.Message) domain.Notification {
	return domain.Notification{
		Kind:           domain.KindOutgoingEmail,
		Channel:        domain.ChannelEmail,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ModelID:        modelID,
		Recipient:      msg.RecipientEmail,
		Subject:        msg.Subject,
		Body:           msg.Message,
	}
}

// ChatMessage texts the model a client's live-chat message.
func ChatMessage(model domain.Model, contact domain.Contact, msg domain.Message) domain.Notification {
	return domain.Notification{
		Kind:           domain.KindChatMessage,
		Channel:        domain.ChannelSMS,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ModelID:        model.ID,
		Recipient:      model.Phone,
		Body: util.RenderTemplate(chatMessageSMS, map[string]string{
			"name":    displayName(contact.Name, contact.Email),
			"message": util.Truncate(msg.Message, smsBodyLimit),
		}),
	}
}

// ModelChatReply emails the contact when the model answers in the chat.
func ModelChatReply(model domain.Model, contact domain.Contact, msg domain.Message) domain.Notification {
	vars := map[string]string{"model": displayName(model.Name, model.Slug), "message": msg.Message}
	return domain.Notification{
		Kind:           domain.KindModelChatReply,
		Channel:        domain.ChannelEmail,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ModelID:        model.ID,
		Recipient:      contact.Email,
		Subject:        util.RenderTemplate(replySubject, vars),
		Body:           util.RenderTemplate(replyBody, vars),
	}
}
