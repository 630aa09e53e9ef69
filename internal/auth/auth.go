// Package auth provides email/password accounts, bearer tokens and a
// per-user stream of authentication state.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ride-lifecycle/internal/models"
)

const minPasswordLen = 6

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", models.ErrUnauthenticated)
)

// Provider is the authentication collaborator of the HTTP layer.
type Provider interface {
	SignUp(ctx context.Context, email, password, fullname string) (models.UserIdentity, error)
	SignIn(ctx context.Context, email, password string) (models.UserIdentity, error)
	SignOut(ctx context.Context, userID string) error
	// CurrentUser streams the user's identity while signed in and nil after sign-out,
	// starting with the current state. The channel closes when ctx is done.
	CurrentUser(ctx context.Context, userID string) <-chan *models.UserIdentity
	// SignedIn reports whether the user currently holds a session.
	SignedIn(userID string) bool
}

type account struct {
	identity models.UserIdentity
	hash     []byte
	created  time.Time
}

type MemoryProvider struct {
	mu       sync.Mutex
	byEmail  map[string]*account
	byID     map[string]*account
	signedIn map[string]bool
	watchers map[string]map[chan *models.UserIdentity]struct{}
	cost     int
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		byEmail:  make(map[string]*account),
		byID:     make(map[string]*account),
		signedIn: make(map[string]bool),
		watchers: make(map[string]map[chan *models.UserIdentity]struct{}),
		cost:     bcrypt.DefaultCost,
	}
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// SignUp creates the account and signs it in.
func (p *MemoryProvider) SignUp(_ context.Context, email, password, fullname string) (models.UserIdentity, error) {
	email = normalizeEmail(email)
	fullname = strings.TrimSpace(fullname)
	switch {
	case !strings.Contains(email, "@"):
		return models.UserIdentity{}, fmt.Errorf("%w: invalid email", models.ErrInvalidArgument)
	case len(password) < minPasswordLen:
		return models.UserIdentity{}, fmt.Errorf("%w: password must have at least %d characters", models.ErrInvalidArgument, minPasswordLen)
	case fullname == "":
		return models.UserIdentity{}, fmt.Errorf("%w: fullname is required", models.ErrInvalidArgument)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return models.UserIdentity{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byEmail[email]; ok {
		return models.UserIdentity{}, ErrEmailTaken
	}
	acc := &account{
		identity: models.UserIdentity{ID: uuid.NewString(), Email: email, Fullname: fullname},
		hash:     hash,
		created:  time.Now().UTC(),
	}
	p.byEmail[email] = acc
	p.byID[acc.identity.ID] = acc
	p.setSignedIn(acc.identity.ID, true)
	return acc.identity, nil
}

func (p *MemoryProvider) SignIn(_ context.Context, email, password string) (models.UserIdentity, error) {
	p.mu.Lock()
	acc, ok := p.byEmail[normalizeEmail(email)]
	p.mu.Unlock()
	if !ok {
		return models.UserIdentity{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return models.UserIdentity{}, ErrInvalidCredentials
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setSignedIn(acc.identity.ID, true)
	return acc.identity, nil
}

func (p *MemoryProvider) SignOut(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byID[userID]; !ok {
		return models.ErrUnauthenticated
	}
	p.setSignedIn(userID, false)
	return nil
}

func (p *MemoryProvider) SignedIn(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signedIn[userID]
}

func (p *MemoryProvider) CurrentUser(ctx context.Context, userID string) <-chan *models.UserIdentity {
	ch := make(chan *models.UserIdentity, 1)
	p.mu.Lock()
	set, ok := p.watchers[userID]
	if !ok {
		set = make(map[chan *models.UserIdentity]struct{})
		p.watchers[userID] = set
	}
	set[ch] = struct{}{}
	ch <- p.current(userID)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.watchers[userID], ch)
		if len(p.watchers[userID]) == 0 {
			delete(p.watchers, userID)
		}
		close(ch)
		p.mu.Unlock()
	}()
	return ch
}

// current must be called with p.mu held.
func (p *MemoryProvider) current(userID string) *models.UserIdentity {
	acc, ok := p.byID[userID]
	if !ok || !p.signedIn[userID] {
		return nil
	}
	id := acc.identity
	return &id
}

// setSignedIn must be called with p.mu held. Watchers keep only the latest state.
func (p *MemoryProvider) setSignedIn(userID string, in bool) {
	if p.signedIn[userID] == in {
		return
	}
	p.signedIn[userID] = in
	state := p.current(userID)
	for ch := range p.watchers[userID] {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
}
