package detect

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/storage"
	"github.com/noname-app/site-crawler/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newStore(t *testing.T) *storage.BadgerStore {
	t.Helper()
	store, err := storage.NewBadgerStore(context.Background(), t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func obs(url, html string) models.PageObservation {
	return models.PageObservation{URL: url, Fingerprint: utils.Fingerprint(nil, html)}
}

func TestApply_FirstCrawlEverythingNew(t *testing.T) {
	d := NewDetector(newStore(t), testLogger())

	changes, err := d.Apply(context.Background(), "acme", []models.PageObservation{
		obs("https://acme.test", "<p>home</p>"),
		obs("https://acme.test/page", "<p>page</p>"),
	}, time.Now())

	require.NoError(t, err)
	assert.Equal(t, []string{"https://acme.test", "https://acme.test/page"}, changes.New)
	assert.Empty(t, changes.Updated)
	assert.Empty(t, changes.Unchanged)
	assert.Len(t, changes.Changed(), 2)
}

func TestApply_RecrawlWithoutChanges(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	d := NewDetector(store, testLogger())
	pages := []models.PageObservation{
		obs("https://acme.test", "<p>home</p>"),
		obs("https://acme.test/page", "<p>page</p>"),
	}
	first := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	_, err := d.Apply(ctx, "acme", pages, first)
	require.NoError(t, err)

	changes, err := d.Apply(ctx, "acme", pages, first.Add(7*24*time.Hour))

	require.NoError(t, err)
	assert.Empty(t, changes.Changed(), "identical re-crawl yields no handoff")
	assert.Len(t, changes.Unchanged, 2)
	for _, p := range pages {
		stored, ok, err := store.GetPage(ctx, "acme", p.URL)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, first.Equal(stored.FirstSeenAt), "first_seen_at must not move")
		assert.True(t, stored.LastSeenAt.After(first))
	}
}

func TestApply_UpdatedAndNewMixed(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(newStore(t), testLogger())
	_, err := d.Apply(ctx, "acme", []models.PageObservation{
		obs("https://acme.test", "<p>home</p>"),
		obs("https://acme.test/page", "<p>page</p>"),
	}, time.Now())
	require.NoError(t, err)

	changes, err := d.Apply(ctx, "acme", []models.PageObservation{
		obs("https://acme.test", "<p>home v2</p>"),
		obs("https://acme.test/page", "<p>page</p>"),
		obs("https://acme.test/fresh", "<p>fresh</p>"),
	}, time.Now())

	require.NoError(t, err)
	assert.Equal(t, []string{"https://acme.test/fresh"}, changes.New)
	assert.Equal(t, []string{"https://acme.test"}, changes.Updated)
	assert.Equal(t, []string{"https://acme.test/page"}, changes.Unchanged)
	assert.Equal(t, []string{"https://acme.test/fresh", "https://acme.test"}, changes.Changed())
}

func TestApply_DuplicatesCollapseToLast(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	d := NewDetector(store, testLogger())
	last := obs("https://acme.test/p", "<p>second</p>")

	changes, err := d.Apply(ctx, "acme", []models.PageObservation{obs("https://acme.test/p", "<p>first</p>"), last}, time.Now())

	require.NoError(t, err)
	assert.Equal(t, 1, changes.Total())
	page, ok, err := store.GetPage(ctx, "acme", "https://acme.test/p")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, last.Fingerprint, page.Fingerprint)
}

func TestApply_MalformedFingerprintSkipped(t *testing.T) {
	d := NewDetector(newStore(t), testLogger())

	changes, err := d.Apply(context.Background(), "acme", []models.PageObservation{
		{URL: "https://acme.test/bad", Fingerprint: "not-a-hash"},
		obs("https://acme.test/good", "<p/>"),
	}, time.Now())

	require.NoError(t, err)
	assert.Equal(t, []string{"https://acme.test/good"}, changes.New)
}

func TestApply_EmptyObservations(t *testing.T) {
	d := NewDetector(newStore(t), testLogger())
	changes, err := d.Apply(context.Background(), "acme", nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, changes.Total())
	assert.NotNil(t, changes.Changed())
}

// failingStore fails the requested step
type failingStore struct {
	storage.PageStore
	loadErr, upsertErr error
	upserts            int
}

func (f *failingStore) LoadFingerprints(context.Context, string) (map[string]string, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return map[string]string{}, nil
}

func (f *failingStore) UpsertPages(context.Context, string, []models.PageObservation, time.Time) error {
	f.upserts++
	return f.upsertErr
}

func TestApply_StoreErrors(t *testing.T) {
	pages := []models.PageObservation{obs("https://acme.test", "<p/>")}

	t.Run("load failure writes nothing", func(t *testing.T) {
		store := &failingStore{loadErr: errors.New("disk gone")}
		_, err := NewDetector(store, testLogger()).Apply(context.Background(), "acme", pages, time.Now())
		require.Error(t, err)
		assert.Zero(t, store.upserts)
	})

	t.Run("upsert failure returns empty change set", func(t *testing.T) {
		store := &failingStore{upsertErr: utils.ErrDatabase}
		changes, err := NewDetector(store, testLogger()).Apply(context.Background(), "acme", pages, time.Now())
		require.ErrorIs(t, err, utils.ErrDatabase)
		assert.Zero(t, changes.Total())
	})
}
