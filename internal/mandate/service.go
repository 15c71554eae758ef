package mandate

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"x402-gateway/internal/headers"
)

// Result describes what happened to the mandate referenced by a request.
// Used is true only when the bytes were retrieved and matched the declared hash.
type Result struct {
	Ref      string
	Used     bool
	Hash     string // computed base64url SHA-256, empty when nothing was retrieved
	Size     int64
	Warnings []string
	Err      error // the soft failure behind Warnings
}

// Service resolves mandate references and stores uploads.
type Service struct {
	store    BlobStore
	fetcher  *Fetcher
	maxBytes int64
	logger   *slog.Logger
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Store    BlobStore
	Fetcher  *Fetcher // nil disables URL references
	MaxBytes int64
	Logger   *slog.Logger
}

// NewService creates a mandate Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{store: cfg.Store, fetcher: cfg.Fetcher, maxBytes: cfg.MaxBytes, logger: cfg.Logger}
}

// ContentHash returns the base64url (unpadded) SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Check retrieves the referenced mandate and verifies its hash.
//
// FetchBlocked is always returned as an error. Other failures become warnings on
// the Result, unless required is set, in which case they are returned as errors too.
func (s *Service) Check(ctx context.Context, rec headers.EvidenceRecord, required bool) (Result, error) {
	res := Result{Ref: rec.MandateRef}

	body, err := s.retrieve(ctx, rec)
	if err == nil {
		res.Hash = ContentHash(body)
		res.Size = int64(len(body))
		err = verify(rec, body, res.Hash)
	}
	if err == nil {
		res.Used = true
		return res, nil
	}

	res.Err = err
	res.Warnings = []string{WarningFor(err)}
	s.logger.Info("mandate unusable",
		slog.String("ref", redactRef(rec.MandateRef)),
		slog.String("warning", res.Warnings[0]),
		slog.Bool("required", required),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, ErrFetchBlocked) || required {
		return res, err
	}
	return res, nil
}

func (s *Service) retrieve(ctx context.Context, rec headers.EvidenceRecord) ([]byte, error) {
	if rec.IsURL() {
		if s.fetcher == nil {
			return nil, fmt.Errorf("%w: URL references disabled", ErrFetchFailed)
		}
		return s.fetcher.Fetch(ctx, rec.MandateRef)
	}
	blob, err := s.store.Get(ctx, rec.MandateRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if !isJSONMedia(blob.ContentType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, blob.ContentType)
	}
	if int64(len(blob.Data)) > s.maxBytes {
		return nil, ErrPayloadTooLarge
	}
	return blob.Data, nil
}

func verify(rec headers.EvidenceRecord, body []byte, computed string) error {
	declared := strings.TrimRight(rec.ContentHash, "=")
	if subtle.ConstantTimeCompare([]byte(declared), []byte(computed)) != 1 {
		return ErrHashMismatch
	}
	if rec.SizeBytes != int64(len(body)) {
		return fmt.Errorf("%w: declared %d, got %d", ErrSizeMismatch, rec.SizeBytes, len(body))
	}
	return nil
}

func redactRef(ref string) string {
	if i := strings.IndexByte(ref, '?'); i >= 0 {
		return ref[:i]
	}
	return ref
}

// UploadResult is returned by POST /mandates.
type UploadResult struct {
	MandateID   string `json:"mandateId"`
	MandateRef  string `json:"mandateRef"`
	ContentHash string `json:"contentHashB64url"`
	SizeBytes   int64  `json:"sizeBytes"`
	MimeType    string `json:"mimeType"`
}

// Upload stores a JSON mandate under a fresh id for merchantID.
func (s *Service) Upload(ctx context.Context, merchantID string, body []byte) (*UploadResult, error) {
	if int64(len(body)) > s.maxBytes {
		return nil, ErrPayloadTooLarge
	}
	if !json.Valid(body) {
		return nil, ErrInvalidJSON
	}
	id := uuid.NewString()
	key := headers.MandateKey(merchantID, id)
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, key, &Blob{Data: body, ContentType: headers.MandateMimeType}); err != nil {
		return nil, fmt.Errorf("store mandate: %w", err)
	}
	return &UploadResult{
		MandateID:   id,
		MandateRef:  key,
		ContentHash: ContentHash(body),
		SizeBytes:   int64(len(body)),
		MimeType:    headers.MandateMimeType,
	}, nil
}
