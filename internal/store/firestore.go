package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pavelanni/prognosis/internal/model"
)

const (
	casesCollection    = "cases"
	sessionsCollection = "sessions"
	usersCollection    = "users"
	metadataCollection = "metadata"
)

// FirestoreStore is the Cloud Firestore-backed Store.
type FirestoreStore struct {
	client *firestore.Client
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestore connects to Firestore. credentials may be a path to a service
// account file, inline JSON, or empty for application default credentials.
func NewFirestore(ctx context.Context, projectID, credentials string) (*FirestoreStore, error) {
	var opts []option.ClientOption
	creds := strings.TrimSpace(credentials)
	switch {
	case strings.HasPrefix(creds, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	case creds != "":
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) CaseCount(ctx context.Context) (int, error) {
	docs, err := s.client.Collection(casesCollection).Select().Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (s *FirestoreStore) ListCases(ctx context.Context) ([]model.Case, error) {
	docs, err := s.client.Collection(casesCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	cases := make([]model.Case, 0, len(docs))
	for _, doc := range docs {
		var c model.Case
		if err := doc.DataTo(&c); err != nil {
			return nil, fmt.Errorf("decode case %s: %w", doc.Ref.ID, err)
		}
		c.ID = doc.Ref.ID
		cases = append(cases, c)
	}
	return cases, nil
}

func (s *FirestoreStore) GetCase(ctx context.Context, id string) (model.Case, error) {
	var c model.Case
	doc, err := s.client.Collection(casesCollection).Doc(id).Get(ctx)
	if notFound(err) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := doc.DataTo(&c); err != nil {
		return c, fmt.Errorf("decode case %s: %w", id, err)
	}
	c.ID = doc.Ref.ID
	return c, nil
}

func (s *FirestoreStore) InsertCase(ctx context.Context, c model.Case) (string, error) {
	if c.CaseType == "" {
		c.CaseType = model.CaseTypePredefined
	}
	ref, _, err := s.client.Collection(casesCollection).Add(ctx, c)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

// DeleteAllCases removes the whole cases collection in one transaction, so a
// failure leaves the catalog untouched. A collection larger than a single
// commit allows fails as a whole.
func (s *FirestoreStore) DeleteAllCases(ctx context.Context) (int, error) {
	var deleted int
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := tx.Documents(s.client.Collection(casesCollection)).GetAll()
		if err != nil {
			return err
		}
		deleted = 0
		for _, doc := range docs {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete cases: %w", err)
	}
	return deleted, nil
}

func decodeSession(doc *firestore.DocumentSnapshot) (model.Session, error) {
	var sess model.Session
	if err := doc.DataTo(&sess); err != nil {
		return sess, fmt.Errorf("decode session %s: %w", doc.Ref.ID, err)
	}
	sess.ID = doc.Ref.ID
	if sess.Transcript == nil {
		sess.Transcript = []model.Turn{}
	}
	return sess, nil
}

func decodeSessions(docs []*firestore.DocumentSnapshot) ([]model.Session, error) {
	sessions := make([]model.Session, 0, len(docs))
	for _, doc := range docs {
		sess, err := decodeSession(doc)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func (s *FirestoreStore) CreateSession(ctx context.Context, sess model.Session) (string, error) {
	if sess.Transcript == nil {
		sess.Transcript = []model.Turn{}
	}
	if sess.Status == "" {
		sess.Status = model.StatusActive
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	sess.Version = 0
	ref, _, err := s.client.Collection(sessionsCollection).Add(ctx, sess)
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (s *FirestoreStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	doc, err := s.client.Collection(sessionsCollection).Doc(id).Get(ctx)
	if notFound(err) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	return decodeSession(doc)
}

// ListSessionsByUser orders on the server when the composite index exists and
// sorts client-side otherwise.
func (s *FirestoreStore) ListSessionsByUser(ctx context.Context, userID string) ([]model.Session, error) {
	q := s.client.Collection(sessionsCollection).Where("user_id", "==", userID)
	docs, err := q.OrderBy("started_at", firestore.Desc).Documents(ctx).GetAll()
	if status.Code(err) == codes.FailedPrecondition {
		slog.Warn("sessions index missing, sorting client-side", "error", err)
		docs, err = q.Documents(ctx).GetAll()
		if err != nil {
			return nil, err
		}
		sessions, err := decodeSessions(docs)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(sessions, func(i, j int) bool {
			return sessions[i].StartedAt.After(sessions[j].StartedAt)
		})
		return sessions, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSessions(docs)
}

func (s *FirestoreStore) ListCompletedSessions(ctx context.Context, since time.Time) ([]model.Session, error) {
	docs, err := s.client.Collection(sessionsCollection).
		Where("status", "==", string(model.StatusCompleted)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	all, err := decodeSessions(docs)
	if err != nil {
		return nil, err
	}
	sessions := all[:0]
	for _, sess := range all {
		if sess.CompletedAt == nil {
			continue
		}
		if since.IsZero() || !sess.CompletedAt.Before(since) {
			sessions = append(sessions, sess)
		}
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CompletedAt.Before(*sessions[j].CompletedAt)
	})
	return sessions, nil
}

// conditionalUpdate applies updates inside a transaction if the session is
// still active at the expected version.
func (s *FirestoreStore) conditionalUpdate(ctx context.Context, id string, version int64, updates []firestore.Update) error {
	ref := s.client.Collection(sessionsCollection).Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if notFound(err) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decodeSession(doc)
		if err != nil {
			return err
		}
		if sess.Version != version || sess.Status != model.StatusActive {
			return ErrConflict
		}
		updates = append(updates, firestore.Update{Path: "version", Value: version + 1})
		return tx.Update(ref, updates)
	}, firestore.MaxAttempts(1))
}

func (s *FirestoreStore) UpdateTranscript(ctx context.Context, id string, version int64, transcript []model.Turn) error {
	if transcript == nil {
		transcript = []model.Turn{}
	}
	return s.conditionalUpdate(ctx, id, version, []firestore.Update{
		{Path: "chat_history", Value: transcript},
	})
}

func (s *FirestoreStore) CompleteSession(ctx context.Context, id string, version int64, g model.Grade) error {
	return s.conditionalUpdate(ctx, id, version, []firestore.Update{
		{Path: "status", Value: string(model.StatusCompleted)},
		{Path: "completed_at", Value: g.CompletedAt.UTC()},
		{Path: "diagnosis", Value: g.Diagnosis},
		{Path: "treatment", Value: g.Treatment},
		{Path: "score", Value: g.Score},
		{Path: "feedback", Value: g.Feedback},
	})
}

func (s *FirestoreStore) CreateUser(ctx context.Context, u model.User) (string, error) {
	if u.Role == "" {
		u.Role = model.UserRoleStudent
	}
	if u.AuthProvider == "" {
		u.AuthProvider = "password"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if _, err := s.GetUserByEmail(ctx, u.Email); err == nil {
		return "", fmt.Errorf("email %q already registered", u.Email)
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	ref, _, err := s.client.Collection(usersCollection).Add(ctx, u)
	if err != nil {
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return "", err
	}
	slog.Info("created user", "id", ref.ID, "provider", u.AuthProvider, "role", u.Role)
	return ref.ID, nil
}

func decodeUser(doc *firestore.DocumentSnapshot) (model.User, error) {
	var u model.User
	if err := doc.DataTo(&u); err != nil {
		return u, fmt.Errorf("decode user %s: %w", doc.Ref.ID, err)
	}
	u.ID = doc.Ref.ID
	return u, nil
}

func (s *FirestoreStore) GetUserByID(ctx context.Context, id string) (model.User, error) {
	doc, err := s.client.Collection(usersCollection).Doc(id).Get(ctx)
	if notFound(err) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	return decodeUser(doc)
}

func (s *FirestoreStore) findUser(ctx context.Context, field, value string) (model.User, error) {
	if value == "" {
		return model.User{}, ErrNotFound
	}
	docs, err := s.client.Collection(usersCollection).Where(field, "==", value).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return model.User{}, err
	}
	if len(docs) == 0 {
		return model.User{}, ErrNotFound
	}
	return decodeUser(docs[0])
}

func (s *FirestoreStore) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	return s.findUser(ctx, "email", email)
}

func (s *FirestoreStore) GetUserByExternalUID(ctx context.Context, uid string) (model.User, error) {
	return s.findUser(ctx, "external_uid", uid)
}

func (s *FirestoreStore) ListUsers(ctx context.Context) ([]model.User, error) {
	docs, err := s.client.Collection(usersCollection).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}
	users := make([]model.User, 0, len(docs))
	for _, doc := range docs {
		u, err := decodeUser(doc)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

type metadataDoc struct {
	Value string `firestore:"value"`
}

func (s *FirestoreStore) GetMetadata(ctx context.Context, key string) (string, error) {
	doc, err := s.client.Collection(metadataCollection).Doc(key).Get(ctx)
	if notFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var m metadataDoc
	if err := doc.DataTo(&m); err != nil {
		return "", err
	}
	return m.Value, nil
}

func (s *FirestoreStore) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.client.Collection(metadataCollection).Doc(key).Set(ctx, metadataDoc{Value: value})
	return err
}
