package live

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// The credential collaborator. The engine reads and clears the credential but never issues one.
type CredentialStore interface {
	// returns `ErrNoCredential` when there is none
	Credential() (string, error)
	ClearCredential() error
}

type MemoryCredentialStore struct {
	stateLock  sync.Mutex
	credential string
}

func NewMemoryCredentialStore(credential string) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		credential: credential,
	}
}

func (self *MemoryCredentialStore) Credential() (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.credential == "" {
		return "", ErrNoCredential
	}
	return self.credential, nil
}

func (self *MemoryCredentialStore) SetCredential(credential string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.credential = credential
}

func (self *MemoryCredentialStore) ClearCredential() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.credential = ""
	return nil
}

// a credential persisted in a file, e.g. by a login tool
type FileCredentialStore struct {
	path string
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{
		path: path,
	}
}

func (self *FileCredentialStore) Credential() (string, error) {
	credentialBytes, err := os.ReadFile(self.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoCredential
	}
	if err != nil {
		return "", err
	}
	credential := strings.TrimSpace(string(credentialBytes))
	if credential == "" {
		return "", ErrNoCredential
	}
	return credential, nil
}

func (self *FileCredentialStore) ClearCredential() error {
	err := os.Remove(self.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

type CredentialClaims struct {
	UserId Id
	// zero if the credential does not expire
	ExpiresAt time.Time
}

func (self *CredentialClaims) Expired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}

// Reads the claims without verifying the signature. The server verifies the credential.
func ParseCredentialUnverified(credential string) (*CredentialClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(credential, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	credentialClaims := &CredentialClaims{}
	for _, key := range []string{"userId", "user_id", "id", "sub"} {
		if value, ok := claims[key]; ok {
			switch v := value.(type) {
			case string:
				credentialClaims.UserId = Id(v)
			case float64:
				credentialClaims.UserId = Id(fmt.Sprintf("%.0f", v))
			}
			if !credentialClaims.UserId.IsEmpty() {
				break
			}
		}
	}
	if credentialClaims.UserId.IsEmpty() {
		return nil, fmt.Errorf("Credential has no user id.")
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		credentialClaims.ExpiresAt = expiresAt.Time
	}
	return credentialClaims, nil
}
