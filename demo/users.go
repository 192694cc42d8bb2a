package demo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/keryx-io/keryx"
	"github.com/keryx-io/keryx/core"
)

// User is a registered account. The password hash never leaves the store.
type User struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`

	passwordHash []byte
}

// UserStore keeps accounts in memory with sequential ids. A real application
// would swap this for its database layer; the framework only ever sees the
// actions in front of it.
type UserStore struct {
	mu      sync.RWMutex
	byEmail map[string]*User
	nextID  int
}

func NewUserStore() *UserStore {
	return &UserStore{
		byEmail: make(map[string]*User),
		nextID:  1,
	}
}

// Create registers an account, hashing the password with bcrypt. Registering
// the same email twice fails with ACTION_VALIDATION.
func (s *UserStore) Create(name, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, core.WrapError(core.KindActionRun, "cannot hash password", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(email)
	if _, exists := s.byEmail[key]; exists {
		return nil, core.NewTypedError(core.KindActionValidation,
			fmt.Sprintf("user already exists: %s", key))
	}

	user := &User{
		ID:           s.nextID,
		Name:         name,
		Email:        key,
		passwordHash: hash,
	}
	s.nextID++
	s.byEmail[key] = user
	return user, nil
}

// Authenticate checks the credentials. Unknown emails and wrong passwords
// fail identically so the response does not reveal which accounts exist.
func (s *UserStore) Authenticate(email, password string) (*User, error) {
	s.mu.RLock()
	user, exists := s.byEmail[normalizeEmail(email)]
	s.mu.RUnlock()

	if !exists {
		return nil, core.NewTypedError(core.KindActionValidation, "invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword(user.passwordHash, []byte(password)); err != nil {
		return nil, core.NewTypedError(core.KindActionValidation, "invalid email or password")
	}
	return user, nil
}

// Find looks an account up by email.
func (s *UserStore) Find(email string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.byEmail[normalizeEmail(email)]
	return user, ok
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUserAction registers an account at PUT /user.
func CreateUserAction(users *UserStore) *core.Action {
	return &core.Action{
		Name:        "user:create",
		Description: "register a new account",
		Web:         &core.WebBinding{Route: "/user", Method: "PUT"},
		Inputs: map[string]*core.Input{
			"name": {
				Type:      core.InputString,
				Required:  true,
				MinLength: 3,
			},
			"email": {
				Type:      core.InputString,
				Required:  true,
				Formatter: lowercaseEmail,
			},
			"password": {
				Type:      core.InputString,
				Required:  true,
				MinLength: 6,
				Secret:    true,
			},
		},
		Run: func(ctx context.Context, params core.ActionParams, conn *core.Connection) (interface{}, error) {
			user, err := users.Create(
				params.GetString("name"),
				params.GetString("email"),
				params.GetString("password"),
			)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"user": user}, nil
		},
	}
}

// CreateSessionAction signs a user in at PUT /session: verify the
// credentials, then bind userId and userName to the connection's session.
func CreateSessionAction(app *keryx.App, users *UserStore) *core.Action {
	return &core.Action{
		Name:        "session:create",
		Description: "sign in and bind the user to the session",
		Web:         &core.WebBinding{Route: "/session", Method: "PUT"},
		Inputs: map[string]*core.Input{
			"email": {
				Type:      core.InputString,
				Required:  true,
				Formatter: lowercaseEmail,
			},
			"password": {
				Type:     core.InputString,
				Required: true,
				Secret:   true,
			},
		},
		Run: func(ctx context.Context, params core.ActionParams, conn *core.Connection) (interface{}, error) {
			user, err := users.Authenticate(
				params.GetString("email"),
				params.GetString("password"),
			)
			if err != nil {
				return nil, err
			}

			sess, _ := conn.Session()
			merged, err := app.Sessions.Update(ctx, sess, map[string]interface{}{
				"userId":   user.ID,
				"userName": user.Name,
			})
			if err != nil {
				return nil, err
			}
			conn.SetSession(merged)

			return map[string]interface{}{
				"user":    user,
				"session": merged,
			}, nil
		},
	}
}

// DestroySessionAction signs the caller out at DELETE /session.
func DestroySessionAction(app *keryx.App) *core.Action {
	return &core.Action{
		Name:        "session:destroy",
		Description: "sign out and discard the session record",
		Web:         &core.WebBinding{Route: "/session", Method: "DELETE"},
		Run: func(ctx context.Context, params core.ActionParams, conn *core.Connection) (interface{}, error) {
			existed, err := app.Sessions.Destroy(ctx, conn)
			if err != nil {
				return nil, err
			}
			conn.ClearSession()
			return map[string]interface{}{"destroyed": existed}, nil
		},
	}
}

func lowercaseEmail(v interface{}) (interface{}, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("email must be a string")
	}
	return normalizeEmail(s), nil
}
