package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/sluice-labs/sluice-go/internal/domain"
)

func TestNormalizeKey(t *testing.T) {
	cases := []struct {
		name       string
		rawKey     string
		suffix     string
		skipPrefix string
		want       string
		ok         bool
	}{
		{
			name:   "plain key",
			rawKey: "landing/orders/2026-03-01.parquet",
			suffix: ".parquet",
			want:   "landing/orders/2026-03-01.parquet",
			ok:     true,
		},
		{
			name:   "percent encoded key",
			rawKey: "landing/orders/file%2Bv2.parquet",
			suffix: ".parquet",
			want:   "landing/orders/file+v2.parquet",
			ok:     true,
		},
		{
			name:   "plus decodes to space",
			rawKey: "landing/orders/march+snapshot.parquet",
			suffix: ".parquet",
			want:   "landing/orders/march snapshot.parquet",
			ok:     true,
		},
		{
			name:   "suffix mismatch",
			rawKey: "landing/orders/readme.txt",
			suffix: ".parquet",
			ok:     false,
		},
		{
			name:   "no suffix filter accepts anything",
			rawKey: "landing/orders/readme.txt",
			want:   "landing/orders/readme.txt",
			ok:     true,
		},
		{
			name:       "reserved prefix skipped",
			rawKey:     "rejected/landing/orders/bad.parquet",
			suffix:     ".parquet",
			skipPrefix: "rejected",
			ok:         false,
		},
		{
			name:       "prefix must match whole segment",
			rawKey:     "rejected-data/orders/good.parquet",
			suffix:     ".parquet",
			skipPrefix: "rejected",
			want:       "rejected-data/orders/good.parquet",
			ok:         true,
		},
		{
			name:   "leading slash trimmed",
			rawKey: "/landing/orders/a.parquet",
			suffix: ".parquet",
			want:   "landing/orders/a.parquet",
			ok:     true,
		},
		{
			name:   "empty key",
			rawKey: "   ",
			ok:     false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeKey(tc.rawKey, tc.suffix, tc.skipPrefix)
			if ok != tc.ok {
				t.Fatalf("NormalizeKey(%q) ok = %v, want %v", tc.rawKey, ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("NormalizeKey(%q) = %q, want %q", tc.rawKey, got, tc.want)
			}
		})
	}
}

type captureCreator struct {
	calls []string
	last  domain.Run
	err   error
}

func (c *captureCreator) CreateOrGetRun(ctx context.Context, sourceKey, location string) (domain.Run, bool, error) {
	if c.err != nil {
		return domain.Run{}, false, c.err
	}
	c.calls = append(c.calls, sourceKey+"|"+location)
	c.last = domain.Run{ID: "run-1", SourceKey: sourceKey, Location: location, State: domain.RunStateCreated}
	return c.last, true, nil
}

func TestHandleKeyCreatesRunWithLocation(t *testing.T) {
	creator := &captureCreator{}
	l := &Listener{
		service:    creator,
		bucket:     "sluice-raw",
		suffix:     ".parquet",
		skipPrefix: "rejected",
	}

	l.handleKey(context.Background(), "landing/orders/2026-03-01.parquet")

	if len(creator.calls) != 1 {
		t.Fatalf("creator called %d times, want 1", len(creator.calls))
	}
	want := "landing/orders/2026-03-01.parquet|s3://sluice-raw/landing/orders/2026-03-01.parquet"
	if creator.calls[0] != want {
		t.Fatalf("call = %q, want %q", creator.calls[0], want)
	}
}

func TestHandleKeyFiltersBeforeCreating(t *testing.T) {
	creator := &captureCreator{}
	l := &Listener{
		service:    creator,
		bucket:     "sluice-raw",
		suffix:     ".parquet",
		skipPrefix: "rejected",
	}

	l.handleKey(context.Background(), "rejected/landing/orders/bad.parquet")
	l.handleKey(context.Background(), "landing/orders/readme.txt")

	if len(creator.calls) != 0 {
		t.Fatalf("creator called for filtered keys: %v", creator.calls)
	}
}

func TestStartListenerDisabled(t *testing.T) {
	l, err := StartListener(context.Background(), nil, nil, nil, "raw", "", Config{Enabled: false})
	if err != nil {
		t.Fatalf("disabled listener errored: %v", err)
	}
	if l != nil {
		t.Fatal("disabled listener constructed")
	}
}

func TestHandleKeySurvivesCreatorFailure(t *testing.T) {
	creator := &captureCreator{err: errors.New("store offline")}
	l := &Listener{
		service: creator,
		bucket:  "sluice-raw",
	}

	l.handleKey(context.Background(), "landing/orders/a.parquet")

	if len(creator.calls) != 0 {
		t.Fatalf("calls = %v, want none recorded on failure", creator.calls)
	}
}

func TestStartListenerValidates(t *testing.T) {
	creator := &captureCreator{}
	if _, err := StartListener(context.Background(), nil, nil, creator, "raw", "", Config{Enabled: true}); err == nil {
		t.Fatal("nil client accepted")
	}
}
