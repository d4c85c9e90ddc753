package db

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/collabvm/collabvm-server/pkg/protocol"
	"github.com/collabvm/collabvm-server/pkg/recording"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(conn)
}

func TestCreateAccountAndLogin(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateAccount("Alice", "hunter2", "", false); err != nil {
		t.Fatalf("create account: %v", err)
	}

	res, err := store.Login("alice", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Outcome != LoginOK {
		t.Fatalf("outcome = %d, want ok", res.Outcome)
	}
	// The canonical casing comes back, not the caller's.
	if res.Username != "Alice" {
		t.Fatalf("username = %q, want Alice", res.Username)
	}

	res, err = store.Login("alice", "wrong")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Outcome != LoginBadCredentials {
		t.Fatalf("wrong password outcome = %d, want bad credentials", res.Outcome)
	}

	res, err = store.Login("nobody", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Outcome != LoginBadCredentials {
		t.Fatalf("unknown user outcome = %d, want bad credentials", res.Outcome)
	}
}

func TestCreateAccountRejectsCaseInsensitiveDuplicate(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateAccount("Alice", "pw", "", false); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if err := store.CreateAccount("ALICE", "pw", "", false); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("err = %v, want ErrUsernameTaken", err)
	}

	exists, err := store.UsernameExists("aLiCe")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("case variant reported missing")
	}
}

func TestLoginWithTOTPRequiresSecondFactor(t *testing.T) {
	store := newTestStore(t)
	const secret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	if err := store.CreateAccount("alice", "pw", secret, true); err != nil {
		t.Fatalf("create account: %v", err)
	}

	res, err := store.Login("alice", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Outcome != LoginNeedTwoFactor {
		t.Fatalf("outcome = %d, want two-factor", res.Outcome)
	}
	if res.TOTPSecret != secret {
		t.Fatalf("secret = %q, want the stored one", res.TOTPSecret)
	}
	if !res.Admin {
		t.Fatal("admin flag lost")
	}
}

func TestChangePassword(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateAccount("alice", "old", "", false); err != nil {
		t.Fatalf("create account: %v", err)
	}

	if err := store.ChangePassword("alice", "wrong", "new"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("wrong old password: err = %v, want ErrNotFound", err)
	}
	if err := store.ChangePassword("alice", "old", "new"); err != nil {
		t.Fatalf("change password: %v", err)
	}

	res, err := store.Login("alice", "new")
	if err != nil || res.Outcome != LoginOK {
		t.Fatalf("login with new password: %v, outcome %d", err, res.Outcome)
	}
	res, err = store.Login("alice", "old")
	if err != nil || res.Outcome != LoginBadCredentials {
		t.Fatalf("login with old password: %v, outcome %d", err, res.Outcome)
	}
}

func TestSetSessionIDReturnsPrevious(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateAccount("alice", "pw", "", false); err != nil {
		t.Fatalf("create account: %v", err)
	}

	first := []byte{1, 2, 3, 4}
	previous, err := store.SetSessionID("alice", first)
	if err != nil {
		t.Fatalf("set session id: %v", err)
	}
	if len(previous) != 0 {
		t.Fatalf("previous = %v, want empty", previous)
	}

	second := []byte{5, 6, 7, 8}
	previous, err = store.SetSessionID("alice", second)
	if err != nil {
		t.Fatalf("set session id: %v", err)
	}
	if !bytes.Equal(previous, first) {
		t.Fatalf("previous = %v, want %v", previous, first)
	}

	if _, err := store.SetSessionID("nobody", first); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestInviteLifecycle(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateInvite("for bob", "", false)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	entry, err := store.ValidateInvite(id)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if entry.Name != "for bob" || entry.Username != "" {
		t.Fatalf("entry = %+v", entry)
	}

	if err := store.UpdateInvite(id, "bob", true); err != nil {
		t.Fatalf("update: %v", err)
	}
	entries, err := store.ReadInvites()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 || entries[0].Username != "bob" || !entries[0].Admin {
		t.Fatalf("entries = %+v", entries)
	}

	if err := store.DeleteInvite(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.ValidateInvite(id); !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("validate deleted: err = %v, want ErrInviteInvalid", err)
	}
}

func TestRedeemInviteBoundNameOverridesChoice(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateInvite("staff", "carol", true)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	entry, err := store.RedeemInvite(id, "something-else", "pw", "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if entry.Username != "carol" || !entry.Admin {
		t.Fatalf("entry = %+v", entry)
	}

	res, err := store.Login("carol", "pw")
	if err != nil || res.Outcome != LoginOK || !res.Admin {
		t.Fatalf("login as carol: %v, %+v", err, res)
	}

	// The invite is consumed.
	if _, err := store.RedeemInvite(id, "x", "pw", ""); !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("second redeem: err = %v, want ErrInviteInvalid", err)
	}
}

func TestRedeemInviteRejectsTakenName(t *testing.T) {
	store := newTestStore(t)
	if err := store.CreateAccount("bob", "pw", "", false); err != nil {
		t.Fatalf("create account: %v", err)
	}
	id, err := store.CreateInvite("open", "", false)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}

	if _, err := store.RedeemInvite(id, "BOB", "pw", ""); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("err = %v, want ErrUsernameTaken", err)
	}
	// A failed redemption must not consume the invite.
	if _, err := store.ValidateInvite(id); err != nil {
		t.Fatalf("invite gone after failed redeem: %v", err)
	}
}

func TestReservedUsernames(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateReservedUsername("Staff"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.CreateReservedUsername("admin"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	names, err := store.ReadReservedUsernames()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Stored lowercased, listed sorted.
	if len(names) != 2 || names[0] != "admin" || names[1] != "staff" {
		t.Fatalf("names = %v", names)
	}

	if err := store.DeleteReservedUsername("STAFF"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	names, err = store.ReadReservedUsernames()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(names) != 1 || names[0] != "admin" {
		t.Fatalf("names = %v", names)
	}
}

func TestVMSettingsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	settings, err := protocol.MergeVMSettings(protocol.DefaultVMSettings(), []protocol.VMSetting{
		{Kind: protocol.VMSettingName, Name: "win98"},
		{Kind: protocol.VMSettingAddress, Address: "127.0.0.1:4822"},
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	id, err := store.CreateVM(settings)
	if err != nil {
		t.Fatalf("create vm: %v", err)
	}

	configs, err := store.LoadVMs()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(configs) != 1 || configs[0].ID != id {
		t.Fatalf("configs = %+v", configs)
	}
	loaded := configs[0].Settings
	if loaded[protocol.VMSettingName].Name != "win98" {
		t.Fatalf("name = %q", loaded[protocol.VMSettingName].Name)
	}
	if loaded[protocol.VMSettingAddress].Address != "127.0.0.1:4822" {
		t.Fatalf("address = %q", loaded[protocol.VMSettingAddress].Address)
	}

	updated, err := protocol.MergeVMSettings(loaded, []protocol.VMSetting{
		{Kind: protocol.VMSettingName, Name: "winxp"},
	})
	if err != nil {
		t.Fatalf("merge update: %v", err)
	}
	if err := store.UpdateVMSettings(id, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	configs, err = store.LoadVMs()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if configs[0].Settings[protocol.VMSettingName].Name != "winxp" {
		t.Fatal("update not persisted")
	}

	if err := store.DeleteVM(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	configs, err = store.LoadVMs()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(configs) != 0 {
		t.Fatalf("configs after delete = %+v", configs)
	}
}

func TestServerSettingsSaveLoad(t *testing.T) {
	store := newTestStore(t)

	// Nothing persisted yet: defaults come back.
	settings, err := store.LoadServerSettings()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(settings) != protocol.ServerSettingCount {
		t.Fatalf("len = %d, want %d", len(settings), protocol.ServerSettingCount)
	}

	settings[protocol.ServerSettingAllowRegistration].AllowRegistration = true
	settings[protocol.ServerSettingMaxConnections].MaxConnections = 42
	if err := store.SaveServerSettings(settings); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving twice upserts rather than duplicating rows.
	if err := store.SaveServerSettings(settings); err != nil {
		t.Fatalf("resave: %v", err)
	}

	loaded, err := store.LoadServerSettings()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !loaded[protocol.ServerSettingAllowRegistration].AllowRegistration {
		t.Fatal("allow-registration not persisted")
	}
	if loaded[protocol.ServerSettingMaxConnections].MaxConnections != 42 {
		t.Fatalf("max connections = %d, want 42", loaded[protocol.ServerSettingMaxConnections].MaxConnections)
	}
}

func TestRecordingIndexLookup(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddRecording(1, "/rec/a.bin", 1000, 2000); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddRecording(1, "/rec/b.bin", 5000, 6000); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := store.AddRecording(2, "/rec/other.bin", 0, 9000); err != nil {
		t.Fatalf("add: %v", err)
	}

	path, start, stop, err := store.GetRecordingFilePath(1, 1500)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if path != "/rec/a.bin" || start != 1000 || stop != 2000 {
		t.Fatalf("got %q [%d,%d]", path, start, stop)
	}

	// A time in the gap falls forward to the next file.
	path, _, _, err = store.GetRecordingFilePath(1, 3000)
	if err != nil {
		t.Fatalf("gap lookup: %v", err)
	}
	if path != "/rec/b.bin" {
		t.Fatalf("gap lookup = %q, want /rec/b.bin", path)
	}

	if _, _, _, err := store.GetRecordingFilePath(1, 99999); !errors.Is(err, recording.ErrNoRecording) {
		t.Fatalf("past-the-end: err = %v, want ErrNoRecording", err)
	}
	if _, _, _, err := store.GetRecordingFilePath(3, 0); !errors.Is(err, recording.ErrNoRecording) {
		t.Fatalf("unknown vm: err = %v, want ErrNoRecording", err)
	}
}

func TestRecordingInProgressCoversOpenRange(t *testing.T) {
	store := newTestStore(t)
	// StopMs 0 marks a file still being written.
	if err := store.AddRecording(1, "/rec/live.bin", 1000, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	path, _, _, err := store.GetRecordingFilePath(1, 50000)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if path != "/rec/live.bin" {
		t.Fatalf("path = %q, want /rec/live.bin", path)
	}
}
