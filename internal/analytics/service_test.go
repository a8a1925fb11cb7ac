package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kakashi3lite/GoodBooksRecommender-sub003/internal/cache"
)

// fakeStore implements Store for testing without a real database.
type fakeStore struct {
	books []PopularBook
	days  []ActivityDay
	err   error

	// inputs tracked
	gotSince time.Time
	gotLimit int
	calls    int
}

func (f *fakeStore) TopBooksByRecentRatings(ctx context.Context, since time.Time, limit int) ([]PopularBook, error) {
	f.gotSince = since
	f.gotLimit = limit
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.books, nil
}

func (f *fakeStore) DailyActivity(ctx context.Context, since time.Time) ([]ActivityDay, error) {
	f.gotSince = since
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.days, nil
}

func newTestService(t *testing.T, fs *fakeStore) (*Service, *cache.Coordinator) {
	t.Helper()
	local := cache.NewLocal(64, time.Minute, 0)
	coord := cache.NewCoordinator(local, nil, cache.Options{BaseTTL: time.Minute})
	t.Cleanup(coord.Close)
	return NewService(fs, coord, time.Minute), coord
}

func TestService_RefreshPopularBooks(t *testing.T) {
	fs := &fakeStore{books: []PopularBook{
		{ID: 1, Title: "Dune", Authors: "Frank Herbert", AverageRating: 4.2, RatingsCount: 9000, RecentRatings: 300},
		{ID: 2, Title: "Hyperion", Authors: "Dan Simmons", AverageRating: 4.1, RatingsCount: 4000, RecentRatings: 120},
	}}
	svc, coord := newTestService(t, fs)

	payload, err := svc.RefreshPopularBooks(context.Background(), "7d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got popularPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got.Window != "7d" {
		t.Errorf("Expected window 7d, got %s", got.Window)
	}
	if len(got.Books) != 2 || got.Books[0].Title != "Dune" {
		t.Errorf("Expected 2 books led by Dune, got %+v", got.Books)
	}

	if fs.gotLimit != DefaultPopularLimit {
		t.Errorf("Expected limit %d, got %d", DefaultPopularLimit, fs.gotLimit)
	}
	wantSince := time.Now().Add(-7 * 24 * time.Hour)
	if diff := fs.gotSince.Sub(wantSince); diff < -time.Minute || diff > time.Minute {
		t.Errorf("Expected since near %v, got %v", wantSince, fs.gotSince)
	}

	cached, ok := coord.Read(context.Background(), PopularKey("7d"))
	if !ok {
		t.Fatal("expected refreshed payload in cache")
	}
	if !bytes.Equal(cached, payload) {
		t.Error("cached payload differs from returned payload")
	}
}

func TestService_RefreshPopularBooks_StoreError(t *testing.T) {
	fs := &fakeStore{err: errors.New("connection refused")}
	svc, coord := newTestService(t, fs)

	if _, err := svc.RefreshPopularBooks(context.Background(), "7d"); err == nil {
		t.Fatal("expected error when store fails")
	} else if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Expected wrapped store error, got %v", err)
	}
	if _, ok := coord.Read(context.Background(), PopularKey("7d")); ok {
		t.Error("failed refresh must not write to the cache")
	}
}

func TestService_RefreshPopularBooks_BadWindow(t *testing.T) {
	fs := &fakeStore{}
	svc, _ := newTestService(t, fs)

	if _, err := svc.RefreshPopularBooks(context.Background(), "soon"); err == nil {
		t.Fatal("expected error for malformed window")
	}
	if fs.calls != 0 {
		t.Errorf("Expected no store calls, got %d", fs.calls)
	}
}

func TestService_RefreshActivityRollup(t *testing.T) {
	fs := &fakeStore{days: []ActivityDay{
		{Day: "2025-08-01", Ratings: 40, Reviews: 11, ActiveUsers: 25},
		{Day: "2025-08-02", Ratings: 52, Reviews: 9, ActiveUsers: 31},
	}}
	svc, coord := newTestService(t, fs)

	payload, err := svc.RefreshActivityRollup(context.Background(), "30d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got activityPayload
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if len(got.Days) != 2 || got.Days[1].Ratings != 52 {
		t.Errorf("Expected 2 rollup days ending at 52 ratings, got %+v", got.Days)
	}

	if _, ok := coord.Read(context.Background(), ActivityKey("30d")); !ok {
		t.Fatal("expected rollup payload in cache")
	}
}

func TestService_PopularBooksJob(t *testing.T) {
	fs := &fakeStore{books: []PopularBook{{ID: 3, Title: "Blindsight"}}}
	svc, coord := newTestService(t, fs)

	body := svc.PopularBooksJob("1d")
	val, err := body.Execute(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(val) == 0 {
		t.Fatal("expected job body to return the payload")
	}
	if _, ok := coord.Read(context.Background(), PopularKey("1d")); !ok {
		t.Error("expected job body to warm the cache")
	}
}

func TestParseWindow(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{" 2d ", 48 * time.Hour, false},
		{"", 0, true},
		{"0d", 0, true},
		{"-2d", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseWindow(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}
