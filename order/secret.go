package order

import (
	"crypto/rand"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const minSecretLen = 16

// Signer owns the process-wide signing secret. The secret is resolved on first
// use: the configured value, then the secret file, then a freshly generated
// one that is written to the file.
type Signer struct {
	value string
	file  string
	log   *zap.Logger

	once   sync.Once
	secret []byte
	err    error
}

func NewSigner(value, file string, log *zap.Logger) *Signer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Signer{value: value, file: file, log: log}
}

func (s *Signer) Secret() ([]byte, error) {
	s.once.Do(func() {
		s.secret, s.err = s.load()
	})
	return s.secret, s.err
}

func (s *Signer) load() ([]byte, error) {
	if len(s.value) >= minSecretLen {
		return []byte(s.value), nil
	}
	if s.value != "" {
		s.log.Warn("configured signing secret too short, ignoring", zap.Int("min", minSecretLen))
	}
	if s.file != "" {
		d, err := os.ReadFile(s.file)
		if err == nil {
			if v := strings.TrimSpace(string(d)); v != "" {
				return []byte(v), nil
			}
		} else if !os.IsNotExist(err) {
			s.log.Warn("secret file unreadable", zap.String("file", s.file), zap.Error(err))
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, errors.Wrap(err, "generate signing secret")
	}
	v := b64.EncodeToString(raw)
	if s.file == "" {
		s.log.Warn("no secret file configured, using ephemeral signing secret")
		return []byte(v), nil
	}
	f, err := os.OpenFile(s.file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if os.IsExist(err) {
		// lost a race with another process creating it
		d, rerr := os.ReadFile(s.file)
		if v := strings.TrimSpace(string(d)); rerr == nil && v != "" {
			return []byte(v), nil
		}
	}
	if err != nil {
		s.log.Warn("secret file write failed, using ephemeral signing secret", zap.String("file", s.file), zap.Error(err))
		return []byte(v), nil
	}
	_, werr := f.WriteString(v)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		s.log.Warn("secret file write failed, using ephemeral signing secret", zap.String("file", s.file), zap.Error(werr))
	} else {
		s.log.Info("created signing secret", zap.String("file", s.file))
	}
	return []byte(v), nil
}

// Issue signs p with the process secret.
func (s *Signer) Issue(p Payload) (string, error) {
	secret, err := s.Secret()
	if err != nil {
		return "", err
	}
	return Sign(p, secret)
}

func (s *Signer) Read(token string) (Payload, error) {
	secret, err := s.Secret()
	if err != nil {
		return Payload{}, err
	}
	return Read(token, secret)
}
