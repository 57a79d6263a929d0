package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"satutoko/internal/appdata"
	"satutoko/internal/auth/model"
	"satutoko/internal/store/repository"
)

var (
	// ErrValidation marks synchronous edge rejections (missing fields, bad
	// pin shape) that never reach the sync path.
	ErrValidation      = errors.New("validation failed")
	ErrIDTaken         = errors.New("id is already registered in this store")
	ErrOwnerRestricted = errors.New("OWNER role is not allowed for this id")
	ErrBadCredentials  = errors.New("invalid id or pin")
)

var pinPattern = regexp.MustCompile(`^[0-9]{4}$`)

// DocumentHub is the slice of the hub the auth service needs: read the
// current document and write the users collection back through the shared
// update path, so a registration broadcasts to connected devices like any
// other collection change.
type DocumentHub interface {
	Snapshot(storeID string) (*appdata.AppData, error)
	ApplyUpdate(storeID string, key appdata.CollectionKey, data json.RawMessage) (int64, error)
}

type AuthService struct {
	Hub      DocumentHub
	Secret   string
	OwnerIDs []string
	TokenTTL time.Duration

	// regMu serializes registrations. The uniqueness check and the users
	// write would otherwise race when two devices register at once.
	regMu sync.Mutex
}

func NewAuthService(hub DocumentHub, secret string, ownerIDs []string) *AuthService {
	return &AuthService{
		Hub:      hub,
		Secret:   secret,
		OwnerIDs: ownerIDs,
		TokenTTL: 30 * 24 * time.Hour,
	}
}

// Register adds a user to the store document. Ids are lowercased and unique
// case-insensitively; the OWNER role is restricted to the configured
// allow-list when one is set. The pin is stored raw and compared in
// plaintext.
func (s *AuthService) Register(req model.RegisterRequest) (appdata.User, error) {
	storeID := appdata.NormalizeStoreID(req.StoreID)
	id := strings.ToLower(strings.TrimSpace(req.ID))
	if storeID == "" || id == "" {
		return appdata.User{}, fmt.Errorf("%w: storeId and id are required", ErrValidation)
	}
	if !pinPattern.MatchString(req.PIN) {
		return appdata.User{}, fmt.Errorf("%w: pin must be exactly 4 digits", ErrValidation)
	}

	role := req.Role
	if role == "" {
		role = appdata.RoleStaff
	}
	if role != appdata.RoleOwner && role != appdata.RoleStaff {
		return appdata.User{}, fmt.Errorf("%w: role must be OWNER or STAFF", ErrValidation)
	}
	if role == appdata.RoleOwner && !s.ownerAllowed(id) {
		return appdata.User{}, ErrOwnerRestricted
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	doc, err := s.Hub.Snapshot(storeID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return appdata.User{}, err
		}
		doc = appdata.Initial()
	}
	if _, exists := doc.FindUser(id); exists {
		return appdata.User{}, ErrIDTaken
	}

	nickname := strings.TrimSpace(req.Nickname)
	if nickname == "" {
		nickname = id
	}

	user := appdata.User{
		ID:           id,
		Nickname:     nickname,
		Role:         role,
		PasswordHash: req.PIN,
		UpdatedAt:    time.Now().UnixMilli(),
	}

	users := append(append([]appdata.User{}, doc.Users...), user)
	raw, err := json.Marshal(users)
	if err != nil {
		return appdata.User{}, err
	}
	if _, err := s.Hub.ApplyUpdate(storeID, appdata.KeyUsers, raw); err != nil {
		return appdata.User{}, err
	}
	return user, nil
}

// Login compares the pin in plaintext and issues a session token bound to
// the store. A mismatch changes no state.
func (s *AuthService) Login(req model.LoginRequest) (model.AuthResponse, error) {
	storeID := appdata.NormalizeStoreID(req.StoreID)
	id := strings.ToLower(strings.TrimSpace(req.ID))
	if storeID == "" || id == "" {
		return model.AuthResponse{}, fmt.Errorf("%w: storeId and id are required", ErrValidation)
	}

	doc, err := s.Hub.Snapshot(storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.AuthResponse{}, ErrBadCredentials
		}
		return model.AuthResponse{}, err
	}

	user, ok := doc.FindUser(id)
	if !ok || user.PasswordHash != req.PIN {
		return model.AuthResponse{}, ErrBadCredentials
	}

	token, err := s.issueToken(user.ID, storeID)
	if err != nil {
		return model.AuthResponse{}, err
	}
	return model.AuthResponse{
		Token: token,
		User:  model.PublicUser{ID: user.ID, Nickname: user.Nickname, Role: user.Role},
	}, nil
}

func (s *AuthService) issueToken(userID, storeID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"store": storeID,
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"exp":   now.Add(s.TokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.Secret))
}

func (s *AuthService) ownerAllowed(id string) bool {
	// An empty allow-list means OWNER registration is unrestricted.
	if len(s.OwnerIDs) == 0 {
		return true
	}
	for _, allowed := range s.OwnerIDs {
		if strings.EqualFold(allowed, id) {
			return true
		}
	}
	return false
}
