package track

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/MrWong99/voxstream/internal/resilience"
	"github.com/MrWong99/voxstream/pkg/audio"
)

type recordingMarker struct {
	mu   sync.Mutex
	uris []string
}

func (m *recordingMarker) MarkAccessed(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uris = append(m.uris, uri)
	return nil
}

// ─── Registry ────────────────────────────────────────────────────────────────

func TestRegistry_RegisterDeduplicatesByURI(t *testing.T) {
	t.Parallel()
	marker := &recordingMarker{}
	r := NewRegistry(marker)
	ctx := context.Background()

	a := r.Register(ctx, &audio.Track{URI: "https://a", Title: "A"})
	b := r.Register(ctx, &audio.Track{URI: "https://b", Title: "B"})
	again := r.Register(ctx, &audio.Track{URI: "https://a", Title: "A2"})

	if a == b {
		t.Fatal("distinct URIs share an id")
	}
	if again != a {
		t.Errorf("re-register id = %d, want %d", again, a)
	}
	got, err := r.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "A" {
		t.Errorf("Title = %q, want original metadata kept", got.Title)
	}
	if diff := cmp.Diff([]string{"https://a", "https://b", "https://a", "https://a"}, marker.uris); diff != "" {
		t.Errorf("marked URIs (-want +got):\n%s", diff)
	}
}

func TestRegistry_GetReturnsIndependentClones(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	ctx := context.Background()
	id := r.Register(ctx, &audio.Track{URI: "https://a"})

	first, _ := r.Get(ctx, id)
	first.Advance(time.Second)
	second, _ := r.Get(ctx, id)
	if second.Position() != 0 {
		t.Errorf("second clone position = %v, want 0", second.Position())
	}
}

func TestRegistry_RemoveDropsQueries(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	ctx := context.Background()
	a := r.Register(ctx, &audio.Track{URI: "https://a"})
	b := r.Register(ctx, &audio.Track{URI: "https://b"})
	r.RememberQuery("song a", a)
	r.RememberQuery("song b", b)

	removed := r.Remove(a, 999)
	if len(removed) != 1 || removed[0].URI != "https://a" {
		t.Fatalf("removed = %v", removed)
	}
	if _, err := r.Get(ctx, a); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("Get removed id err = %v, want ErrUnknownTrack", err)
	}
	if _, ok := r.LookupQuery("song a"); ok {
		t.Error("query for removed track still cached")
	}
	if _, ok := r.LookupQuery("song b"); !ok {
		t.Error("unrelated query was dropped")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	// Ids are never reused.
	c := r.Register(ctx, &audio.Track{URI: "https://a"})
	if c == a {
		t.Error("re-registered URI received the evicted id")
	}
}

func TestRegistry_RemoveURIs(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	ctx := context.Background()
	a := r.Register(ctx, &audio.Track{URI: "https://a"})
	r.Register(ctx, &audio.Track{URI: "https://b"})
	r.RememberQuery("song a", a)

	got := r.RemoveURIs("https://a", "https://from-an-earlier-run")
	if diff := cmp.Diff([]ID{a}, got); diff != "" {
		t.Errorf("removed ids (-want +got):\n%s", diff)
	}
	if _, ok := r.IDOf("https://a"); ok {
		t.Error("https://a still registered")
	}
	if _, ok := r.LookupQuery("song a"); ok {
		t.Error("query for removed track still cached")
	}
	if got := r.RemoveURIs("https://unknown"); got != nil {
		t.Errorf("RemoveURIs(unknown) = %v, want nil", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

// ─── Resolver ────────────────────────────────────────────────────────────────

func fakeYtDlp(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestYtDlpResolver_ParsesMetadata(t *testing.T) {
	t.Parallel()
	bin := fakeYtDlp(t, `cat <<'EOF'
{"title":"Never Gonna Give You Up","uploader":"Rick Astley","thumbnail":"https://i/x.jpg","duration":212.5,"webpage_url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ"}
EOF
`)
	r := NewYtDlpResolver(YtDlpConfig{Binary: bin})

	got, err := r.Resolve(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := &audio.Track{
		URI:        "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Title:      "Never Gonna Give You Up",
		Author:     "Rick Astley",
		ArtworkURL: "https://i/x.jpg",
		Duration:   212500 * time.Millisecond,
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(audio.Track{})); diff != "" {
		t.Errorf("track (-want +got):\n%s", diff)
	}
}

func TestYtDlpResolver_SearchUsesFirstEntry(t *testing.T) {
	t.Parallel()
	// Echo the target argument back as the title so the search prefix is
	// observable.
	bin := fakeYtDlp(t, `for last; do :; done
printf '{"entries":[{"title":"%s","webpage_url":"https://x/1","channel":"Chan"}]}' "$last"
`)
	r := NewYtDlpResolver(YtDlpConfig{Binary: bin})

	got, err := r.Resolve(context.Background(), "rick astley")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Title != "ytsearch1:rick astley" {
		t.Errorf("Title = %q, want search target", got.Title)
	}
	if got.Author != "Chan" || got.URI != "https://x/1" {
		t.Errorf("track = %+v", got)
	}
}

func TestYtDlpResolver_FailureOpensBreaker(t *testing.T) {
	t.Parallel()
	bin := fakeYtDlp(t, "echo 'ERROR: unavailable' >&2\nexit 1\n")
	r := NewYtDlpResolver(YtDlpConfig{Binary: bin})

	for range 5 {
		if _, err := r.Resolve(context.Background(), "https://x"); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := r.Resolve(context.Background(), "https://x")
	if err == nil || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want circuit open", err)
	}
}

func TestYtDlpResolver_EmptyQuery(t *testing.T) {
	t.Parallel()
	r := NewYtDlpResolver(YtDlpConfig{Binary: "/nonexistent"})
	if _, err := r.Resolve(context.Background(), "  "); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestYtDlpResolver_CustomSearch(t *testing.T) {
	t.Parallel()
	bin := fakeYtDlp(t, `for last; do :; done
printf '{"entries":[{"title":"%s","webpage_url":"https://x/1"}]}' "$last"
`)
	r := NewYtDlpResolver(YtDlpConfig{Binary: bin, Search: "scsearch"})

	got, err := r.Resolve(context.Background(), "lofi")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Title != "scsearch1:lofi" {
		t.Errorf("Title = %q, want scsearch target", got.Title)
	}
}

func TestYtDlpResolver_SearchReturnsEntries(t *testing.T) {
	t.Parallel()
	bin := fakeYtDlp(t, `for last; do :; done
printf '{"entries":[{"title":"%s","webpage_url":"https://x/1"},{"title":"no url"},{"title":"b","webpage_url":"https://x/2"},{"title":"c","webpage_url":"https://x/3"}]}' "$last"
`)
	r := NewYtDlpResolver(YtDlpConfig{Binary: bin})

	got, err := r.Search(context.Background(), "lofi", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var titles []string
	for _, tr := range got {
		titles = append(titles, tr.Title)
	}
	if diff := cmp.Diff([]string{"ytsearch2:lofi", "b"}, titles); diff != "" {
		t.Errorf("titles (-want +got):\n%s", diff)
	}
}

func TestYtDlpResolver_SearchClampsLimit(t *testing.T) {
	t.Parallel()
	bin := fakeYtDlp(t, `for last; do :; done
printf '{"entries":[{"title":"%s","webpage_url":"https://x/1"}]}' "$last"
`)
	r := NewYtDlpResolver(YtDlpConfig{Binary: bin})

	for _, tc := range []struct {
		limit int
		want  string
	}{
		{0, "ytsearch1:lofi"},
		{50, "ytsearch10:lofi"},
	} {
		got, err := r.Search(context.Background(), "lofi", tc.limit)
		if err != nil {
			t.Fatalf("Search(%d): %v", tc.limit, err)
		}
		if got[0].Title != tc.want {
			t.Errorf("Search(%d) target = %q, want %q", tc.limit, got[0].Title, tc.want)
		}
	}
}

func TestYtDlpResolver_SearchNoResults(t *testing.T) {
	t.Parallel()
	bin := fakeYtDlp(t, `echo '{"entries":[]}'`)
	r := NewYtDlpResolver(YtDlpConfig{Binary: bin})

	if _, err := r.Search(context.Background(), "nothing", 5); err == nil {
		t.Error("expected error for empty result set")
	}
	if _, err := r.Search(context.Background(), " ", 5); err == nil {
		t.Error("expected error for empty query")
	}
}

// ─── Fallback ────────────────────────────────────────────────────────────────

type providerFunc func(ctx context.Context, q string) (*audio.Track, error)

func (f providerFunc) Resolve(ctx context.Context, q string) (*audio.Track, error) { return f(ctx, q) }

func TestFallbackResolver(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []string
	provider := func(name string, ok bool) Resolver {
		return providerFunc(func(_ context.Context, q string) (*audio.Track, error) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			if !ok {
				return nil, errors.New("no results")
			}
			return &audio.Track{URI: "https://" + name + "/" + q, Title: q}, nil
		})
	}
	yt := provider("yt", false)
	group := resilience.NewFallbackGroup[Resolver](yt, "ytsearch", resilience.FallbackConfig{})
	group.AddFallback("scsearch", provider("sc", true))
	r := NewFallbackResolver(yt, group)

	got, err := r.Resolve(context.Background(), "lofi")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got.URI != "https://sc/lofi" {
		t.Errorf("URI = %q, want fallback provider answer", got.URI)
	}

	if _, err := r.Resolve(context.Background(), "https://youtu.be/x"); err == nil {
		t.Error("URL query should only reach the failing primary")
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"yt", "sc", "yt"}, calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

type searchFunc func(ctx context.Context, q string, limit int) ([]*audio.Track, error)

func (f searchFunc) Resolve(ctx context.Context, q string) (*audio.Track, error) {
	got, err := f(ctx, q, 1)
	if err != nil {
		return nil, err
	}
	return got[0], nil
}

func (f searchFunc) Search(ctx context.Context, q string, limit int) ([]*audio.Track, error) {
	return f(ctx, q, limit)
}

func TestFallbackResolver_Search(t *testing.T) {
	t.Parallel()

	failing := searchFunc(func(context.Context, string, int) ([]*audio.Track, error) {
		return nil, errors.New("no results")
	})
	single := providerFunc(func(_ context.Context, q string) (*audio.Track, error) {
		return &audio.Track{URI: "https://sc/" + q}, nil
	})
	group := resilience.NewFallbackGroup[Resolver](failing, "ytsearch", resilience.FallbackConfig{})
	group.AddFallback("scsearch", single)
	r := NewFallbackResolver(failing, group)

	got, err := r.Search(context.Background(), "lofi", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].URI != "https://sc/lofi" {
		t.Errorf("results = %+v, want the single fallback match", got)
	}
}

// ─── Service ─────────────────────────────────────────────────────────────────

type countingResolver struct {
	mu    sync.Mutex
	calls int
}

func (c *countingResolver) Resolve(_ context.Context, q string) (*audio.Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return &audio.Track{URI: "https://resolved/" + q, Title: q}, nil
}

func TestService_CachesQueries(t *testing.T) {
	t.Parallel()
	res := &countingResolver{}
	svc := NewService(res, NewRegistry(nil))
	ctx := context.Background()

	id1, t1, err := svc.Resolve(ctx, "song")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	id2, _, err := svc.Resolve(ctx, "song")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %d vs %d", id1, id2)
	}
	if res.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", res.calls)
	}
	if t1.URI != "https://resolved/song" {
		t.Errorf("URI = %q", t1.URI)
	}

	// After eviction the query is resolved again.
	svc.Registry().Remove(id1)
	if _, _, err := svc.Resolve(ctx, "song"); err != nil {
		t.Fatalf("Resolve after evict: %v", err)
	}
	if res.calls != 2 {
		t.Errorf("resolver calls after evict = %d, want 2", res.calls)
	}
}

func TestService_Search(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var gotLimit int
	searcher := searchFunc(func(_ context.Context, q string, limit int) ([]*audio.Track, error) {
		gotLimit = limit
		out := make([]*audio.Track, 0, limit)
		for i := range limit {
			out = append(out, &audio.Track{URI: "https://s/" + q + "/" + string(rune('a'+i))})
		}
		return out, nil
	})
	reg := NewRegistry(nil)
	svc := NewService(searcher, reg)

	ids, tracks, err := svc.Search(ctx, "lofi", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 3 || len(tracks) != 3 || gotLimit != 3 {
		t.Fatalf("ids %v, tracks %d, limit %d; want 3 each", ids, len(tracks), gotLimit)
	}
	for i, id := range ids {
		got, err := svc.Track(ctx, id)
		if err != nil {
			t.Fatalf("Track(%d): %v", id, err)
		}
		if got.URI != tracks[i].URI {
			t.Errorf("Track(%d).URI = %q, want %q", id, got.URI, tracks[i].URI)
		}
	}

	if _, _, err := svc.Search(ctx, "lofi", 99); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotLimit != MaxSearchResults {
		t.Errorf("limit = %d, want clamp to %d", gotLimit, MaxSearchResults)
	}
	if _, err := svc.Track(ctx, 999); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("Track(999) err = %v, want ErrUnknownTrack", err)
	}
}

func TestService_SearchWithoutSearcher(t *testing.T) {
	t.Parallel()
	res := &countingResolver{}
	svc := NewService(res, NewRegistry(nil))

	ids, tracks, err := svc.Search(context.Background(), "song", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 1 || tracks[0].URI != "https://resolved/song" {
		t.Errorf("ids %v tracks %+v, want the single resolved match", ids, tracks)
	}
}
