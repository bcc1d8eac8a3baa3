package session

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCreateAndGet(t *testing.T) {
	store := NewMemStore(time.Hour)

	sess, err := store.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.ID == "" || sess.CSRFToken == "" {
		t.Fatal("expected id and CSRF token to be set")
	}
	if sess.Authenticated() {
		t.Error("fresh session must be anonymous")
	}

	got, err := store.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.CSRFToken != sess.CSRFToken {
		t.Error("CSRF token mismatch after Get")
	}

	if _, err := store.Get("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	store := NewMemStore(0)
	sess, err := store.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, _ := store.Get(sess.ID)
	got.AuthenticatedUserID = "tampered"

	again, _ := store.Get(sess.ID)
	if again.AuthenticatedUserID == "tampered" {
		t.Error("store must not expose internal records by reference")
	}
}

func TestUpdateMutatesUnderLock(t *testing.T) {
	store := NewMemStore(0)
	sess, err := store.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = store.Update(sess.ID, func(s *Session) error {
		s.Reset = ResetContext{Stage: ResetAwaitingMFA, TokenID: "tok", UserRef: "u1"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get(sess.ID)
	if got.Reset.Stage != ResetAwaitingMFA || got.Reset.TokenID != "tok" {
		t.Errorf("mutation lost: %+v", got.Reset)
	}

	wantErr := errors.New("boom")
	if err := store.Update(sess.ID, func(*Session) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("expected fn error to propagate, got %v", err)
	}

	if err := store.Update("no-such-id", func(*Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRotateCarriesStateAndInvalidatesOldID(t *testing.T) {
	store := NewMemStore(0)
	sess, err := store.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Update(sess.ID, func(s *Session) error {
		s.AuthenticatedUserID = "u1"
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	rotated, err := store.Rotate(sess.ID)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if rotated.ID == sess.ID {
		t.Error("rotation must change the session id")
	}
	if rotated.CSRFToken == sess.CSRFToken {
		t.Error("rotation must change the CSRF token")
	}
	if rotated.AuthenticatedUserID != "u1" {
		t.Error("rotation must carry authenticated state")
	}

	if _, err := store.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Error("old session id must stop resolving after rotation")
	}
	if _, err := store.Get(rotated.ID); err != nil {
		t.Errorf("rotated session must resolve: %v", err)
	}
}

func TestLifetimeExpiry(t *testing.T) {
	store := NewMemStore(time.Minute)
	base := time.Now()
	store.now = func() time.Time { return base }

	sess, err := store.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := store.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired session to be absent, got %v", err)
	}
}

func TestInvalidateUser(t *testing.T) {
	store := NewMemStore(0)

	authAs := func(userID string) *Session {
		t.Helper()
		sess, err := store.Create()
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := store.Update(sess.ID, func(s *Session) error {
			s.AuthenticatedUserID = userID
			return nil
		}); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		return sess
	}

	keep := authAs("u1")
	other1 := authAs("u1")
	other2 := authAs("u1")
	bystander := authAs("u2")

	if removed := store.InvalidateUser("u1", keep.ID); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, err := store.Get(keep.ID); err != nil {
		t.Error("kept session must survive invalidation")
	}
	for _, sess := range []*Session{other1, other2} {
		if _, err := store.Get(sess.ID); !errors.Is(err, ErrNotFound) {
			t.Error("other sessions for the user must be removed")
		}
	}
	if _, err := store.Get(bystander.ID); err != nil {
		t.Error("sessions of other users must survive")
	}

	if removed := store.InvalidateUser("", keep.ID); removed != 0 {
		t.Errorf("empty user id must remove nothing, got %d", removed)
	}
}

func TestCheckCSRF(t *testing.T) {
	sess := &Session{CSRFToken: "token-value"}

	if !CheckCSRF(sess, "token-value") {
		t.Error("matching token must pass")
	}
	if CheckCSRF(sess, "other-value") {
		t.Error("mismatched token must fail")
	}
	if CheckCSRF(sess, "") {
		t.Error("empty submission must fail")
	}
	if CheckCSRF(nil, "token-value") {
		t.Error("nil session must fail")
	}
	if CheckCSRF(&Session{}, "") {
		t.Error("empty stored token must fail")
	}
}

func TestCookieCodecRoundTrip(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	codec, err := NewCookieCodec(key, time.Hour)
	if err != nil {
		t.Fatalf("NewCookieCodec failed: %v", err)
	}

	value, err := codec.Encode("session-id-1")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	sid, err := codec.Decode(value)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if sid != "session-id-1" {
		t.Errorf("expected session-id-1, got %q", sid)
	}
}

func TestCookieCodecRejectsTampering(t *testing.T) {
	key := []byte(strings.Repeat("k", 32))
	codec, err := NewCookieCodec(key, time.Hour)
	if err != nil {
		t.Fatalf("NewCookieCodec failed: %v", err)
	}

	value, err := codec.Encode("session-id-1")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Flip a character in the payload segment.
	parts := strings.SplitN(value, ".", 3)
	payload := []byte(parts[1])
	if payload[0] == 'A' {
		payload[0] = 'B'
	} else {
		payload[0] = 'A'
	}
	tampered := parts[0] + "." + string(payload) + "." + parts[2]

	if _, err := codec.Decode(tampered); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("expected ErrCookieInvalid, got %v", err)
	}

	if _, err := codec.Decode("not-a-jwt"); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("expected ErrCookieInvalid for garbage, got %v", err)
	}
}

func TestCookieCodecRejectsWrongKey(t *testing.T) {
	codec1, err := NewCookieCodec([]byte(strings.Repeat("a", 32)), time.Hour)
	if err != nil {
		t.Fatalf("NewCookieCodec failed: %v", err)
	}
	codec2, err := NewCookieCodec([]byte(strings.Repeat("b", 32)), time.Hour)
	if err != nil {
		t.Fatalf("NewCookieCodec failed: %v", err)
	}

	value, err := codec1.Encode("session-id-1")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := codec2.Decode(value); !errors.Is(err, ErrCookieInvalid) {
		t.Errorf("expected ErrCookieInvalid across keys, got %v", err)
	}
}

func TestCookieCodecRejectsShortKey(t *testing.T) {
	if _, err := NewCookieCodec([]byte("short"), time.Hour); err == nil {
		t.Error("expected short key rejection")
	}
	if _, err := NewCookieCodec([]byte(strings.Repeat("k", 32)), 0); err == nil {
		t.Error("expected zero lifetime rejection")
	}
}
