package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"twofa-service/internal/config"
	"twofa-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const algorithm = "argon2id-v1"

// Purposes keep hashes of one code kind from verifying as another.
const (
	PurposeOTP        = "otp"
	PurposeBackupCode = "backup"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// HashResult is the decoded form of a stored code hash.
type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
	Memory        uint32 `json:"memory"`
	Iterations    uint32 `json:"iterations"`
	Parallelism   uint8  `json:"parallelism"`
}

// Encode renders the result as a single string:
// argon2id-v1$m=<kib>,t=<iter>,p=<par>$<pepper version>$<salt>$<hash>
func (r *HashResult) Encode() string {
	return fmt.Sprintf("%s$m=%d,t=%d,p=%d$%d$%s$%s",
		r.Algorithm, r.Memory, r.Iterations, r.Parallelism, r.PepperVersion, r.Salt, r.Hash)
}

func ParseHashResult(encoded string) (*HashResult, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return nil, ErrInvalidHash
	}
	if parts[0] != algorithm {
		return nil, ErrIncompatibleVersion
	}

	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[1], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return nil, ErrInvalidHash
	}
	pv, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, ErrInvalidHash
	}
	if parts[3] == "" || parts[4] == "" {
		return nil, ErrInvalidHash
	}

	return &HashResult{
		Algorithm:     parts[0],
		Memory:        m,
		Iterations:    t,
		Parallelism:   p,
		PepperVersion: pv,
		Salt:          parts[3],
		Hash:          parts[4],
	}, nil
}

// Hasher produces salted, peppered Argon2id hashes of one-time codes.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	peppers       map[int]*Pepper
	mu            sync.RWMutex
}

func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Argon2MemoryCost),
		Iterations:  uint32(cfg.Argon2TimeCost),
		Parallelism: uint8(cfg.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, fmt.Errorf("argon2 parameters must be positive")
	}

	h := &Hasher{
		params:  params,
		peppers: make(map[int]*Pepper),
	}

	if cfg.Peppers == "" {
		if err := h.generatePepper(); err != nil {
			return nil, err
		}
		util.Warn("HASH_PEPPERS not set, using an ephemeral pepper; stored codes will not verify after restart")
		return h, nil
	}

	peppers, err := parsePeppers(cfg.Peppers)
	if err != nil {
		return nil, err
	}
	for _, p := range peppers {
		h.AddPepper(p.Version, p.Value)
	}
	return h, nil
}

func parsePeppers(raw string) ([]*Pepper, error) {
	var out []*Pepper
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		version, value, ok := strings.Cut(item, ":")
		if !ok || value == "" {
			return nil, fmt.Errorf("invalid pepper entry %q, expected version:value", item)
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid pepper version %q", version)
		}
		out = append(out, &Pepper{Value: value, Version: v, CreatedAt: time.Now()})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no peppers configured")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (h *Hasher) generatePepper() error {
	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		return fmt.Errorf("failed to generate pepper: %w", err)
	}
	h.AddPepper(1, base64.RawURLEncoding.EncodeToString(pepperBytes))
	return nil
}

// AddPepper registers a pepper version. The highest version becomes current.
func (h *Hasher) AddPepper(version int, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := &Pepper{Value: value, Version: version, CreatedAt: time.Now()}
	h.peppers[version] = p
	if h.currentPepper == nil || version > h.currentPepper.Version {
		h.currentPepper = p
		util.Info("Pepper activated", zap.Int("version", version))
	}
}

func (h *Hasher) HashOTP(code string) (string, error) {
	return h.hash(code, PurposeOTP)
}

func (h *Hasher) VerifyOTP(code, encoded string) (bool, error) {
	return h.verify(code, encoded, PurposeOTP)
}

func (h *Hasher) HashBackupCode(code string) (string, error) {
	return h.hash(code, PurposeBackupCode)
}

func (h *Hasher) VerifyBackupCode(code, encoded string) (bool, error) {
	return h.verify(code, encoded, PurposeBackupCode)
}

func (h *Hasher) hash(data, purpose string) (string, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	sum := argon2.IDKey(
		[]byte(data+pepper.Value+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	result := &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(sum),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     algorithm,
		Memory:        h.params.Memory,
		Iterations:    h.params.Iterations,
		Parallelism:   h.params.Parallelism,
	}
	return result.Encode(), nil
}

func (h *Hasher) verify(data, encoded, purpose string) (bool, error) {
	result, err := ParseHashResult(encoded)
	if err != nil {
		return false, err
	}

	pepper, err := h.getPepper(result.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(result.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(result.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		result.Iterations,
		result.Memory,
		result.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if p, ok := h.peppers[version]; ok {
		return p.Value, nil
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}

// CurrentPepperVersion is exposed for health reporting.
func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}
