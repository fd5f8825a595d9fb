package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"threads/internal/domain"
	"threads/internal/util"
)

type Store interface {
	// FindEscortClientByHash returns the first client whose phone hash OR email hash matches.
	// Empty hashes never match.
	FindEscortClientByHash(ctx context.Context, phoneHash, emailHash string) (domain.EscortClient, bool, error)
	InsertEscortClient(ctx context.Context, c domain.EscortClient) error
	FindClientInteraction(ctx context.Context, escortClientID, modelID string) (domain.ClientModelInteraction, bool, error)
	InsertClientInteraction(ctx context.Context, in domain.ClientModelInteraction) error
}

type Input struct {
	ModelID string
	Name    string
	Email   string
	Phone   string
}

type Result struct {
	EscortClientID string
	InteractionID  string
	NewClient      bool
}

// Resolver maps raw contact details to the hashed screening identity for a model.
type Resolver struct {
	Store Store
	IDGen func(prefix string) string
	Now   func() time.Time
}

func NewResolver(st Store) *Resolver {
	return &Resolver{Store: st, IDGen: util.NewID, Now: util.NowUTC}
}

// WithStore returns a copy bound to st, typically a transaction.
func (r *Resolver) WithStore(st Store) *Resolver {
	cp := *r
	cp.Store = st
	return &cp
}

var errNoIdentity = errors.New("identity: email or phone required")

// ResolveOrCreateClient finds or creates the escort client and its interaction with the model.
// Repeating the call with the same email/phone returns the same client.
func (r *Resolver) ResolveOrCreateClient(ctx context.Context, in Input) (Result, error) {
	phoneHash := Hash(in.Phone)
	emailHash := Hash(in.Email)
	if phoneHash == "" && emailHash == "" {
		return Result{}, errNoIdentity
	}

	var res Result
	client, found, err := r.Store.FindEscortClientByHash(ctx, phoneHash, emailHash)
	if err != nil {
		return Result{}, err
	}
	if !found {
		client = domain.EscortClient{
			ID:               r.IDGen("ec"),
			ModelID:          in.ModelID,
			ClientIdentifier: ClientIdentifier(in.Name, in.Email, in.Phone),
			PhoneHash:        phoneHash,
			EmailHash:        emailHash,
			CreatedAt:        r.Now(),
		}
		if err := r.Store.InsertEscortClient(ctx, client); err != nil {
			return Result{}, err
		}
		res.NewClient = true
	}
	res.EscortClientID = client.ID

	cmi, found, err := r.Store.FindClientInteraction(ctx, client.ID, in.ModelID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		cmi = domain.ClientModelInteraction{
			ID:              r.IDGen("cli"),
			EscortClientID:  client.ID,
			ModelID:         in.ModelID,
			ScreeningStatus: domain.ScreeningPending,
			ClientCategory:  domain.CategoryUnscreened,
			CreatedAt:       r.Now(),
		}
		if err := r.Store.InsertClientInteraction(ctx, cmi); err != nil {
			return Result{}, err
		}
	}
	res.InteractionID = cmi.ID
	return res, nil
}

// Hash is the hex SHA-256 of the trimmed, lower-cased value, or "" when the value is blank.
func Hash(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// ClientIdentifier is the display fallback: name, then email, then phone, then "Unknown".
func ClientIdentifier(name, email, phone string) string {
	for _, v := range []string{name, email, phone} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return "Unknown"
}
