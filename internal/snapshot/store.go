package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/tilesync/internal/catalog"
)

// Version is the document version written by Save.
const Version = 2

// ErrNoSnapshot is returned when no snapshot exists for a product.
var ErrNoSnapshot = errors.New("snapshot: no snapshot found")

const (
	metaCapturedAt = "captured-at"
	metaID         = "snapshot-id"

	dateLayout = "01022006" // MMDDYYYY
	suffixZstd = ".zst"
)

// Document is the persisted form of a catalog index.
type Document struct {
	Version    int                                     `json:"version"`
	ID         string                                  `json:"id"`
	ArchiveSet string                                  `json:"archive_set"`
	Product    string                                  `json:"product"`
	Cadence    catalog.Cadence                         `json:"cadence"`
	CapturedAt time.Time                               `json:"captured_at"`
	Entries    map[string]map[string]map[string]string `json:"entries"`
}

// Info describes a stored snapshot.
type Info struct {
	Key        string
	ID         string
	ArchiveSet string
	Product    string
	CapturedAt time.Time
	Size       int64
	Compressed bool
	Legacy     bool // bare tile/year/doy map written by the first generation tool
}

// Options configures a Store.
type Options struct {
	// Compress writes new snapshots as zstd-compressed JSON.
	Compress bool

	// Logger receives snapshot selection details. Default: no-op.
	Logger *zap.Logger

	// Now is the clock used by Save callers that pass a zero time.
	Now func() time.Time
}

// Store saves and loads catalog snapshots in a blob bucket.
type Store struct {
	bucket *blob.Bucket
	opts   Options
	logger *zap.Logger
}

// Open opens a store at location, which is either a gocloud bucket URL
// (file://, mem://, s3://, gs://) or a local directory that is created on
// demand.
func Open(ctx context.Context, location string, opts Options) (*Store, error) {
	var (
		bucket *blob.Bucket
		err    error
	)
	if strings.Contains(location, "://") {
		bucket, err = blob.OpenBucket(ctx, location)
	} else {
		var dir string
		dir, err = filepath.Abs(location)
		if err == nil {
			bucket, err = fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
		}
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: open bucket %s: %w", location, err)
	}
	return NewStore(bucket, opts), nil
}

// NewStore wraps an already opened bucket. Close closes the bucket.
func NewStore(bucket *blob.Bucket, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{bucket: bucket, opts: opts, logger: logger}
}

// Close closes the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// Key returns the object key of a snapshot captured at capturedAt.
func Key(archiveSet, product string, capturedAt time.Time, compressed bool) string {
	key := fmt.Sprintf("%s_%s_catalog_%s.json", archiveSet, product, capturedAt.Format(dateLayout))
	if compressed {
		key += suffixZstd
	}
	return key
}

// Save writes idx as a new snapshot. A zero capturedAt means now. A snapshot
// saved on the same calendar day replaces the earlier one.
func (s *Store) Save(ctx context.Context, idx *catalog.Index, capturedAt time.Time) (Info, error) {
	if capturedAt.IsZero() {
		capturedAt = s.opts.Now()
	}
	capturedAt = capturedAt.UTC()

	doc := Document{
		Version:    Version,
		ID:         uuid.NewString(),
		ArchiveSet: idx.ArchiveSet,
		Product:    idx.Product,
		Cadence:    idx.Cadence,
		CapturedAt: capturedAt,
		Entries:    make(map[string]map[string]map[string]string),
	}
	idx.Walk(func(tile string, year int, doy, filename string) {
		years, ok := doc.Entries[tile]
		if !ok {
			years = make(map[string]map[string]string)
			doc.Entries[tile] = years
		}
		y := strconv.Itoa(year)
		if years[y] == nil {
			years[y] = make(map[string]string)
		}
		years[y][doy] = filename
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: marshal: %w", err)
	}

	contentType := "application/json"
	if s.opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return Info{}, fmt.Errorf("snapshot: zstd writer: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
		contentType = "application/zstd"
	}

	key := Key(idx.ArchiveSet, idx.Product, capturedAt, s.opts.Compress)
	err = s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			metaCapturedAt: capturedAt.Format(time.RFC3339Nano),
			metaID:         doc.ID,
		},
	})
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: write %s: %w", key, err)
	}

	return Info{
		Key:        key,
		ID:         doc.ID,
		ArchiveSet: idx.ArchiveSet,
		Product:    idx.Product,
		CapturedAt: capturedAt,
		Size:       int64(len(data)),
		Compressed: s.opts.Compress,
	}, nil
}

// List returns the snapshots of a product, newest first.
func (s *Store) List(ctx context.Context, archiveSet, product string) ([]Info, error) {
	prefix := archiveSet + "_" + product + "_"
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var infos []Info
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot: list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}

		info, ok := parseKey(obj.Key, prefix)
		if !ok {
			continue
		}
		info.ArchiveSet = archiveSet
		info.Product = product
		info.Size = obj.Size

		attrs, err := s.bucket.Attributes(ctx, obj.Key)
		if err != nil && !isNotExist(err) {
			return nil, fmt.Errorf("snapshot: attributes %s: %w", obj.Key, err)
		}
		if attrs != nil {
			if v := attrs.Metadata[metaCapturedAt]; v != "" {
				if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
					info.CapturedAt = t
				}
			}
			info.ID = attrs.Metadata[metaID]
		}

		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b Info) int {
		if c := b.CapturedAt.Compare(a.CapturedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Key, a.Key)
	})
	return infos, nil
}

// Latest returns the most recently captured snapshot of a product.
func (s *Store) Latest(ctx context.Context, archiveSet, product string) (Info, error) {
	infos, err := s.List(ctx, archiveSet, product)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, fmt.Errorf("%w for %s/%s", ErrNoSnapshot, archiveSet, product)
	}
	return infos[0], nil
}

// Load reads the most recent snapshot of a product. When none exists it
// returns an empty index together with ErrNoSnapshot so the caller knows a
// full crawl is required.
func (s *Store) Load(ctx context.Context, archiveSet, product string) (*catalog.Index, Info, error) {
	info, err := s.Latest(ctx, archiveSet, product)
	if errors.Is(err, ErrNoSnapshot) {
		return catalog.New(archiveSet, product, catalog.CadenceFor(product, nil)), Info{}, err
	}
	if err != nil {
		return nil, Info{}, err
	}

	idx, doc, err := s.Read(ctx, info.Key)
	if err != nil {
		return nil, Info{}, err
	}
	if doc.Version == 0 {
		info.Legacy = true
	} else {
		info.ID = doc.ID
		info.CapturedAt = doc.CapturedAt
	}

	s.logger.Info("loaded snapshot",
		zap.String("key", info.Key),
		zap.Time("captured_at", info.CapturedAt),
		zap.Int("entries", idx.Len()),
		zap.Bool("legacy", info.Legacy),
	)
	return idx, info, nil
}

// Read decodes the snapshot stored at key. Legacy documents are returned
// with Version 0.
func (s *Store) Read(ctx context.Context, key string) (*catalog.Index, *Document, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: read %s: %w", key, err)
	}

	if strings.HasSuffix(key, suffixZstd) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: zstd reader: %w", err)
		}
		data, err = dec.DecodeAll(data, nil)
		dec.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot: decompress %s: %w", key, err)
		}
	}

	doc, err := decode(data, key)
	if err != nil {
		return nil, nil, err
	}

	idx := catalog.New(doc.ArchiveSet, doc.Product, doc.Cadence)
	for tile, years := range doc.Entries {
		for y, days := range years {
			year, err := strconv.Atoi(y)
			if err != nil {
				return nil, nil, fmt.Errorf("snapshot: %s: tile %s: invalid year %q", key, tile, y)
			}
			for doy, filename := range days {
				if err := idx.Insert(tile, year, doy, filename); err != nil {
					return nil, nil, fmt.Errorf("snapshot: %s: tile %s year %d: %w", key, tile, year, err)
				}
			}
		}
	}
	return idx, doc, nil
}

// decode parses either a versioned document or a legacy bare map.
func decode(data []byte, key string) (*Document, error) {
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal %s: %w", key, err)
	}

	if probe.Version != nil {
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("snapshot: unmarshal %s: %w", key, err)
		}
		if doc.Version > Version {
			return nil, fmt.Errorf("snapshot: %s: unsupported version %d", key, doc.Version)
		}
		if doc.Cadence == "" {
			doc.Cadence = catalog.CadenceFor(doc.Product, nil)
		}
		return &doc, nil
	}

	var entries map[string]map[string]map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal legacy %s: %w", key, err)
	}
	info, _ := parseKey(key, "")
	return &Document{
		ArchiveSet: info.ArchiveSet,
		Product:    info.Product,
		Cadence:    catalog.CadenceFor(info.Product, nil),
		CapturedAt: info.CapturedAt,
		Entries:    entries,
	}, nil
}

// parseKey recognizes
//
//	{archiveSet}_{product}_catalog_{MMDDYYYY}.json[.zst]
//	{archiveSet}_{product}_laads_urls_{MMDDYYYY}.json
//
// and extracts the capture date. With an empty prefix the archive set and
// product are taken from the key itself.
func parseKey(key, prefix string) (Info, bool) {
	info := Info{Key: key}
	name := key
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	if strings.HasSuffix(name, suffixZstd) {
		info.Compressed = true
		name = strings.TrimSuffix(name, suffixZstd)
	}
	if !strings.HasSuffix(name, ".json") {
		return Info{}, false
	}
	name = strings.TrimSuffix(name, ".json")

	var head, date string
	switch {
	case strings.Contains(name, "_catalog_"):
		i := strings.LastIndex(name, "_catalog_")
		head, date = name[:i], name[i+len("_catalog_"):]
	case strings.Contains(name, "_laads_urls_") && !info.Compressed:
		i := strings.LastIndex(name, "_laads_urls_")
		head, date = name[:i], name[i+len("_laads_urls_"):]
		info.Legacy = true
	default:
		return Info{}, false
	}

	if prefix != "" && head+"_" != prefix {
		return Info{}, false
	}
	captured, err := time.Parse(dateLayout, date)
	if err != nil {
		return Info{}, false
	}
	info.CapturedAt = captured

	if as, product, ok := strings.Cut(head, "_"); ok {
		info.ArchiveSet = as
		info.Product = product
	}
	return info, true
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
