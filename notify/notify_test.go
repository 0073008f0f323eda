package notify

import (
	"context"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockorgan-notifier/email"
	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/records"
	"blockorgan-notifier/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEmailer struct {
	fail      map[string]error
	hang      func(to string) bool // block until the send context ends
	afterSend func()
	notices   []*email.MatchNotice
	mu        sync.Mutex
}

func (f *fakeEmailer) SendMatch(ctx context.Context, n *email.MatchNotice) error {
	if f.hang != nil && f.hang(n.To) {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.notices = append(f.notices, n)
	err := f.fail[n.To]
	f.mu.Unlock()
	if f.afterSend != nil {
		f.afterSend()
	}
	return err
}

func (f *fakeEmailer) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.notices {
		out = append(out, n.To)
	}
	return out
}

type failingMatches struct {
	*records.Matches
	failUpsertFor string
	failMark      bool
}

func (f *failingMatches) Upsert(ctx context.Context, donorUID, recipientUID string, score float64) (string, error) {
	if donorUID == f.failUpsertFor {
		return "", errors.New("store unavailable")
	}
	return f.Matches.Upsert(ctx, donorUID, recipientUID, score)
}

func (f *failingMatches) MarkNotified(ctx context.Context, id string) error {
	if f.failMark {
		return errors.New("store unavailable")
	}
	return f.Matches.MarkNotified(ctx, id)
}

// ctxLogs and ctxMatches reject writes on a finished context, like a
// network-backed store would.
type ctxLogs struct {
	*records.EmailLogs
}

func (c ctxLogs) Create(ctx context.Context, entry *matching.EmailLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.EmailLogs.Create(ctx, entry)
}

type ctxMatches struct {
	*records.Matches
}

func (c ctxMatches) MarkNotified(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Matches.MarkNotified(ctx, id)
}

type failingProfiles struct {
	*records.Profiles
}

func (failingProfiles) Donors(context.Context) ([]*matching.Donor, error) {
	return nil, errors.New("permission denied")
}

type harness struct {
	store    *storage.Memory
	matches  *records.Matches
	logs     *records.EmailLogs
	profiles *records.Profiles
	emailer  *fakeEmailer
	cfg      *Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemory()
	h := &harness{
		store:    store,
		matches:  records.NewMatches(store, testLogger()),
		logs:     records.NewEmailLogs(store, testLogger()),
		profiles: records.NewProfiles(store, testLogger()),
		emailer:  &fakeEmailer{fail: map[string]error{}},
	}
	h.cfg = &Config{
		Profiles:  h.profiles,
		Matches:   h.matches,
		EmailLogs: h.logs,
		Emailer:   h.emailer,
		Logger:    testLogger(),
	}
	return h
}

func (h *harness) addDonor(t *testing.T, d matching.Donor) {
	t.Helper()
	doc, err := storage.Encode(d)
	require.NoError(t, err)
	require.NoError(t, h.store.Create(context.Background(), records.DonorsCollection, d.UID, doc))
}

func (h *harness) addRecipient(t *testing.T, r matching.Recipient) {
	t.Helper()
	doc, err := storage.Encode(r)
	require.NoError(t, err)
	require.NoError(t, h.store.Create(context.Background(), records.RecipientsCollection, r.UID, doc))
}

func (h *harness) seedCompatiblePair(t *testing.T) {
	t.Helper()
	h.addDonor(t, matching.Donor{
		UID: "d1", Email: "d1@example.com", BloodType: "O+",
		Organs: []string{"Kidney"}, DateOfBirth: "1990-01-01",
	})
	h.addRecipient(t, matching.Recipient{
		UID: "r1", Email: "r1@example.com", BloodType: "O+",
		OrganNeeded: "kidney", DateOfBirth: "1992-01-01",
	})
}

func TestRunGlobalNotifiesBothParties(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedCompatiblePair(t)
	h.addRecipient(t, matching.Recipient{
		UID: "r2", Email: "r2@example.com", BloodType: "A-", OrganNeeded: "liver",
	})

	s, err := New(h.cfg).RunGlobal(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, 3, s.Tasks, "two emails plus mark-notified")
	assert.Equal(t, 3, s.Fulfilled)
	assert.Equal(t, 0, s.Rejected)
	assert.Equal(t, 1, s.MatchesProcessed)
	assert.Equal(t, 2, s.EmailsSent)
	assert.ElementsMatch(t, []string{"d1@example.com", "r1@example.com"}, h.emailer.sentTo())

	match, err := h.matches.Get(ctx, "d1__r1")
	require.NoError(t, err)
	assert.Equal(t, matching.StatusNotified, match.Status)
	assert.InDelta(t, 38, match.Score, 0.01)
	require.NotNil(t, match.LastEmailSentAt)

	logs, err := h.logs.ForMatch(ctx, "d1__r1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	roles := map[matching.Role]*matching.EmailLog{}
	for _, l := range logs {
		roles[l.Role] = l
		assert.Equal(t, matching.LogSent, l.Status)
		assert.Equal(t, matching.EmailInitial, l.Type)
		assert.Len(t, l.Token, 32)
	}
	require.Contains(t, roles, matching.RoleDonor)
	require.Contains(t, roles, matching.RoleRecipient)
	assert.NotEqual(t, roles[matching.RoleDonor].Token, roles[matching.RoleRecipient].Token)
	assert.Equal(t, "d1@example.com", roles[matching.RoleDonor].To)

	for _, n := range h.emailer.notices {
		assert.Equal(t, "kidney", n.Organ)
		assert.Equal(t, "d1__r1", n.MatchID)
	}
}

func TestRunGlobalEmailFailureIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedCompatiblePair(t)
	h.emailer.fail["d1@example.com"] = errors.New("mailbox unavailable")

	s, err := New(h.cfg).RunGlobal(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Tasks)
	assert.Equal(t, 2, s.Fulfilled)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 1, s.EmailsSent)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "mailbox unavailable")

	logs, err := h.logs.ForMatch(ctx, "d1__r1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		switch l.Role {
		case matching.RoleDonor:
			assert.Equal(t, matching.LogFailed, l.Status)
			assert.Equal(t, "mailbox unavailable", l.Error)
		case matching.RoleRecipient:
			assert.Equal(t, matching.LogSent, l.Status)
			assert.Empty(t, l.Error)
		}
	}

	match, err := h.matches.Get(ctx, "d1__r1")
	require.NoError(t, err)
	assert.Equal(t, matching.StatusNotified, match.Status, "match is marked notified once both sends settle")
}

func TestRunGlobalSkipsIncompatiblePairs(t *testing.T) {
	tests := []struct {
		name      string
		donor     matching.Donor
		recipient matching.Recipient
	}{
		{
			name: "organ mismatch despite high score",
			donor: matching.Donor{
				UID: "d1", Email: "d@example.com", BloodType: "O+",
				Organs: []string{"liver"}, DateOfBirth: "1990-01-01",
			},
			recipient: matching.Recipient{
				UID: "r1", Email: "r@example.com", BloodType: "O+",
				OrganNeeded: "kidney", DateOfBirth: "1990-01-01",
			},
		},
		{
			name: "below threshold",
			donor: matching.Donor{
				UID: "d1", Email: "d@example.com", BloodType: "A+",
				Organs: []string{"kidney"}, DateOfBirth: "1950-01-01",
			},
			recipient: matching.Recipient{
				UID: "r1", Email: "r@example.com", BloodType: "B+",
				OrganNeeded: "kidney", DateOfBirth: "2000-01-01",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			h.addDonor(t, tt.donor)
			h.addRecipient(t, tt.recipient)

			s, err := New(h.cfg).RunGlobal(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, s.Tasks)
			assert.Empty(t, h.emailer.sentTo())

			_, err = h.matches.Get(ctx, "d1__r1")
			assert.ErrorIs(t, err, records.ErrMatchNotFound)
		})
	}
}

func TestRunGlobalNormalizesOrganInNotice(t *testing.T) {
	h := newHarness(t)
	h.addDonor(t, matching.Donor{
		UID: "d1", Email: "d1@example.com", BloodType: "O+", Organs: []string{"KIDNEY"},
	})
	h.addRecipient(t, matching.Recipient{
		UID: "r1", Email: "r1@example.com", BloodType: "O+", OrganNeeded: "  Kidney ",
	})

	_, err := New(h.cfg).RunGlobal(context.Background())
	require.NoError(t, err)
	require.Len(t, h.emailer.notices, 2)
	for _, n := range h.emailer.notices {
		assert.Equal(t, "kidney", n.Organ)
	}
}

func TestRunGlobalCancelledAfterSendStillLogs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	h.seedCompatiblePair(t)
	h.emailer.afterSend = cancel
	h.cfg.EmailLogs = ctxLogs{EmailLogs: h.logs}
	h.cfg.Matches = ctxMatches{Matches: h.matches}

	s, err := New(h.cfg).RunGlobal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Rejected, "errors: %v", s.Errors)
	assert.Equal(t, 2, s.EmailsSent)

	logs, err := h.logs.ForMatch(context.Background(), "d1__r1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, matching.LogSent, l.Status)
	}
	match, err := h.matches.Get(context.Background(), "d1__r1")
	require.NoError(t, err)
	assert.Equal(t, matching.StatusNotified, match.Status)
}

func TestRunGlobalHungSendsDoNotStarveOthers(t *testing.T) {
	h := newHarness(t)
	h.addDonor(t, matching.Donor{
		UID: "hd", Email: "hang-donor@example.com", BloodType: "O+", Organs: []string{"kidney"},
	})
	for i := range 32 {
		h.addRecipient(t, matching.Recipient{
			UID: fmt.Sprintf("hr%02d", i), Email: fmt.Sprintf("hang-%02d@example.com", i),
			BloodType: "O+", OrganNeeded: "kidney",
		})
	}
	h.addDonor(t, matching.Donor{
		UID: "d1", Email: "d1@example.com", BloodType: "O+", Organs: []string{"liver"},
	})
	h.addRecipient(t, matching.Recipient{
		UID: "r1", Email: "r1@example.com", BloodType: "O+", OrganNeeded: "liver",
	})
	h.emailer.hang = func(to string) bool { return strings.HasPrefix(to, "hang-") }
	h.cfg.SendTimeout = 2 * time.Second

	done := make(chan *Summary, 1)
	go func() {
		s, err := New(h.cfg).RunGlobal(context.Background())
		assert.NoError(t, err)
		done <- s
	}()

	assert.Eventually(t, func() bool {
		return len(h.emailer.sentTo()) == 2
	}, time.Second, 10*time.Millisecond, "healthy pair must not wait behind hung sends")
	select {
	case <-done:
		t.Fatal("run finished before hung sends timed out")
	default:
	}

	s := <-done
	assert.Equal(t, 33, s.MatchesProcessed)
	assert.Equal(t, 2, s.EmailsSent)
	assert.Equal(t, 64, s.Rejected)

	logs, err := h.logs.ForMatch(context.Background(), "hd__hr00")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, matching.LogFailed, l.Status)
		assert.Contains(t, l.Error, "deadline exceeded")
	}
}

func TestRunGlobalRerunRenotifies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedCompatiblePair(t)
	n := New(h.cfg)

	_, err := n.RunGlobal(ctx)
	require.NoError(t, err)
	_, err = n.RunGlobal(ctx)
	require.NoError(t, err)

	// Already-notified pairs are not deduplicated: each run sends again with
	// fresh tokens.
	assert.Len(t, h.emailer.sentTo(), 4)
	logs, err := h.logs.ForMatch(ctx, "d1__r1")
	require.NoError(t, err)
	assert.Len(t, logs, 4)

	matches, err := h.store.List(ctx, records.MatchesCollection)
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestRunGlobalSkipsMissingEmail(t *testing.T) {
	h := newHarness(t)
	h.addDonor(t, matching.Donor{
		UID: "d1", BloodType: "O+", Organs: []string{"kidney"},
	})
	h.addRecipient(t, matching.Recipient{
		UID: "r1", Email: "r1@example.com", BloodType: "O+", OrganNeeded: "kidney",
	})

	s, err := New(h.cfg).RunGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Tasks)
	assert.Equal(t, []string{"r1@example.com"}, h.emailer.sentTo())
}

func TestRunGlobalPairFailuresIsolated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.seedCompatiblePair(t)
	h.addDonor(t, matching.Donor{
		UID: "d2", Email: "d2@example.com", BloodType: "O+", Organs: []string{"kidney"},
	})
	h.cfg.Matches = &failingMatches{Matches: h.matches, failUpsertFor: "d2"}

	s, err := New(h.cfg).RunGlobal(ctx)
	require.NoError(t, err)

	assert.Equal(t, 4, s.Tasks)
	assert.Equal(t, 3, s.Fulfilled)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 1, s.MatchesProcessed)
	assert.ElementsMatch(t, []string{"d1@example.com", "r1@example.com"}, h.emailer.sentTo())
}

func TestRunGlobalMarkNotifiedFailure(t *testing.T) {
	h := newHarness(t)
	h.seedCompatiblePair(t)
	h.cfg.Matches = &failingMatches{Matches: h.matches, failMark: true}

	s, err := New(h.cfg).RunGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Tasks)
	assert.Equal(t, 2, s.Fulfilled)
	assert.Equal(t, 1, s.Rejected)
}

func TestRunGlobalTokenFailure(t *testing.T) {
	h := newHarness(t)
	h.seedCompatiblePair(t)
	h.cfg.Tokens = func() (string, error) { return "", errors.New("entropy exhausted") }

	s, err := New(h.cfg).RunGlobal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Tasks)
	assert.Equal(t, 1, s.Rejected)
	assert.Empty(t, h.emailer.sentTo())
}

func TestRunGlobalBatchLoadFailure(t *testing.T) {
	h := newHarness(t)
	h.cfg.Profiles = failingProfiles{Profiles: h.profiles}

	_, err := New(h.cfg).RunGlobal(context.Background())
	require.ErrorIs(t, err, ErrBatchLoad)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestRunForUser(t *testing.T) {
	ctx := context.Background()

	t.Run("not registered", func(t *testing.T) {
		h := newHarness(t)
		_, err := New(h.cfg).RunForUser(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("donor", func(t *testing.T) {
		h := newHarness(t)
		h.seedCompatiblePair(t)
		h.addDonor(t, matching.Donor{
			UID: "d2", Email: "d2@example.com", BloodType: "O+", Organs: []string{"kidney"},
		})

		s, err := New(h.cfg).RunForUser(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, 1, s.MatchesProcessed)
		assert.Equal(t, 2, s.EmailsSent)
		assert.Empty(t, s.Errors)
		assert.NotContains(t, h.emailer.sentTo(), "d2@example.com")
	})

	t.Run("recipient", func(t *testing.T) {
		h := newHarness(t)
		h.seedCompatiblePair(t)
		h.addDonor(t, matching.Donor{
			UID: "d2", Email: "d2@example.com", BloodType: "O+", Organs: []string{"kidney"},
		})

		s, err := New(h.cfg).RunForUser(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 2, s.MatchesProcessed)
		assert.Equal(t, 4, s.EmailsSent)
	})

	t.Run("both roles", func(t *testing.T) {
		h := newHarness(t)
		h.addDonor(t, matching.Donor{
			UID: "u1", Email: "u1@example.com", BloodType: "O+", Organs: []string{"kidney"},
		})
		h.addRecipient(t, matching.Recipient{
			UID: "u1", Email: "u1@example.com", BloodType: "O+", OrganNeeded: "liver",
		})
		h.addRecipient(t, matching.Recipient{
			UID: "r1", Email: "r1@example.com", BloodType: "O+", OrganNeeded: "kidney",
		})
		h.addDonor(t, matching.Donor{
			UID: "d1", Email: "d1@example.com", BloodType: "O+", Organs: []string{"liver"},
		})

		s, err := New(h.cfg).RunForUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 2, s.MatchesProcessed)

		_, err = h.matches.Get(ctx, "u1__r1")
		assert.NoError(t, err)
		_, err = h.matches.Get(ctx, "d1__u1")
		assert.NoError(t, err)
	})
}

func TestNewTokenUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := range 1000 {
		tok, err := NewToken()
		require.NoError(t, err)
		require.Len(t, tok, 32)
		require.False(t, seen[tok], "duplicate token at %d", i)
		seen[tok] = true
	}
}

func TestCrossByOrgan(t *testing.T) {
	donors := []*matching.Donor{
		{UID: "d1", Organs: []string{"kidney", "Kidney ", "liver"}},
		{UID: "d2", Organs: []string{"heart"}},
	}
	recipients := []*matching.Recipient{
		{UID: "r1", OrganNeeded: "KIDNEY"},
		{UID: "r2", OrganNeeded: "lung"},
		{UID: "r3", OrganNeeded: ""},
	}

	pairs := crossByOrgan(donors, recipients)
	require.Len(t, pairs, 1, "duplicate organ entries must not duplicate pairs")
	assert.Equal(t, "d1", pairs[0].donor.UID)
	assert.Equal(t, "r1", pairs[0].recipient.UID)
}
