package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/liminal-technologies/readylab-curriculum/internal/catalog"
	"github.com/liminal-technologies/readylab-curriculum/internal/mediaupload"
)

const defaultTicketTTL = 15 * time.Minute

// TicketIssuer turns a freshly registered media record into a direct upload
// target.
type TicketIssuer interface {
	Issue(ctx context.Context, media catalog.Media) (mediaupload.Ticket, error)
}

func objectKey(mediaID string) string {
	return "media/" + mediaID
}

// LocalIssuer hands out signed PUT URLs served by this API, storing uploads
// under Dir.
type LocalIssuer struct {
	BaseURL string
	Secret  string
	Dir     string
	TTL     time.Duration
	now     func() time.Time
}

func NewLocalIssuer(baseURL, secret, dir string) (*LocalIssuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("local upload signing secret is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("media directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	return &LocalIssuer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		Dir:     dir,
		TTL:     defaultTicketTTL,
		now:     time.Now,
	}, nil
}

func (l *LocalIssuer) Issue(_ context.Context, media catalog.Media) (mediaupload.Ticket, error) {
	expires := l.now().UTC().Add(l.TTL).Truncate(time.Second)
	exp := strconv.FormatInt(expires.Unix(), 10)
	q := url.Values{}
	q.Set("expires", exp)
	q.Set("signature", l.sign(media.ID, exp))
	ticket := mediaupload.Ticket{
		MediaID:   media.ID,
		UploadURL: l.BaseURL + "/v1/media/uploads/" + url.PathEscape(media.ID) + "?" + q.Encode(),
		ExpiresAt: expires,
	}
	if media.ContentType != "" {
		ticket.Headers = map[string]string{"Content-Type": media.ContentType}
	}
	return ticket, nil
}

// Verify checks an upload URL signature for mediaID.
func (l *LocalIssuer) Verify(mediaID, expires, signature string) error {
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return errors.New("invalid expires parameter")
	}
	if l.now().UTC().Unix() > unix {
		return errors.New("upload url expired")
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(l.sign(mediaID, expires))) {
		return errors.New("upload signature mismatch")
	}
	return nil
}

// Path is where the upload for key is stored.
func (l *LocalIssuer) Path(key string) string {
	return filepath.Join(l.Dir, filepath.FromSlash(key))
}

func (l *LocalIssuer) sign(mediaID, expires string) string {
	mac := hmac.New(sha256.New, []byte(l.Secret))
	_, _ = mac.Write([]byte(mediaID))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// GCSIssuer signs V4 PUT URLs directly against a Cloud Storage bucket.
type GCSIssuer struct {
	Bucket         string
	GoogleAccessID string
	PrivateKey     []byte
	TTL            time.Duration
}

func NewGCSIssuer(bucket, accessID, privateKeyFile string) (*GCSIssuer, error) {
	if bucket == "" || accessID == "" {
		return nil, errors.New("gcs bucket and access id are required")
	}
	key, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read gcs signing key: %w", err)
	}
	return &GCSIssuer{Bucket: bucket, GoogleAccessID: accessID, PrivateKey: key, TTL: defaultTicketTTL}, nil
}

func (g *GCSIssuer) Issue(_ context.Context, media catalog.Media) (mediaupload.Ticket, error) {
	ttl := g.TTL
	if ttl <= 0 {
		ttl = defaultTicketTTL
	}
	expires := time.Now().UTC().Add(ttl)
	opts := &storage.SignedURLOptions{
		GoogleAccessID: g.GoogleAccessID,
		PrivateKey:     g.PrivateKey,
		Method:         "PUT",
		Expires:        expires,
		Scheme:         storage.SigningSchemeV4,
		ContentType:    media.ContentType,
	}
	signed, err := storage.SignedURL(g.Bucket, media.ObjectKey, opts)
	if err != nil {
		return mediaupload.Ticket{}, fmt.Errorf("sign upload url: %w", err)
	}
	ticket := mediaupload.Ticket{MediaID: media.ID, UploadURL: signed, ExpiresAt: expires}
	if media.ContentType != "" {
		ticket.Headers = map[string]string{"Content-Type": media.ContentType}
	}
	return ticket, nil
}
