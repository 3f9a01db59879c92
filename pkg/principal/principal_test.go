package principal

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// withFakePasswdFiles writes passwd/group content to temp files and
// returns their paths, so tests can exercise the *FromFile helpers
// without touching the real host's /etc/passwd and /etc/group.
func withFakePasswdFiles(t *testing.T, passwdContent, groupContent string) (passwd, group string) {
	t.Helper()
	dir := t.TempDir()
	passwd = filepath.Join(dir, "passwd")
	group = filepath.Join(dir, "group")
	if err := os.WriteFile(passwd, []byte(passwdContent), 0644); err != nil {
		t.Fatalf("failed to write fake passwd: %v", err)
	}
	if err := os.WriteFile(group, []byte(groupContent), 0644); err != nil {
		t.Fatalf("failed to write fake group: %v", err)
	}
	return passwd, group
}

func TestReadPasswdUID(t *testing.T) {
	passwd, _ := withFakePasswdFiles(t, "root:x:0:0:root:/root:/bin/bash\nalice:x:1001:1001:Alice:/home/alice:/bin/bash\n", "")

	uid, ok, err := readPasswdUIDFromFile(passwd, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || uid != 1001 {
		t.Errorf("expected uid 1001 for alice, got %d ok=%v", uid, ok)
	}

	_, ok, err = readPasswdUIDFromFile(passwd, "nosuchuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected lookup of unknown user to report not-found")
	}
}

func TestNextFreeUIDSkipsUsed(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("root:x:0:0:root:/root:/bin/bash\n")
	for uid := ephemeralUIDFloor; uid < ephemeralUIDFloor+3; uid++ {
		sb.WriteString("user" + strconv.Itoa(uid) + ":x:" + strconv.Itoa(uid) + ":" + strconv.Itoa(uid) + "::/tmp:/bin/false\n")
	}
	passwd, _ := withFakePasswdFiles(t, sb.String(), "")

	uid, err := nextFreeUIDFromFile(passwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != ephemeralUIDFloor+3 {
		t.Errorf("expected next free uid to be %d, got %d", ephemeralUIDFloor+3, uid)
	}
}

func TestReadGroupGID(t *testing.T) {
	_, group := withFakePasswdFiles(t, "", "root:x:0:\nisolate-abc123:x:61000:\n")

	gid, ok, err := readGroupGIDFromFile(group, "isolate-abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || gid != 61000 {
		t.Errorf("expected gid 61000, got %d ok=%v", gid, ok)
	}
}

func TestAppendAndRemoveLine(t *testing.T) {
	passwd, _ := withFakePasswdFiles(t, "root:x:0:0:root:/root:/bin/bash\n", "")

	if err := appendLine(passwd, "isolate-abc123:x:61000:61000:isolate ephemeral:/tmp:/bin/false\n"); err != nil {
		t.Fatalf("unexpected error appending: %v", err)
	}
	uid, ok, err := readPasswdUIDFromFile(passwd, "isolate-abc123")
	if err != nil || !ok || uid != 61000 {
		t.Fatalf("expected appended entry to be readable, got uid=%d ok=%v err=%v", uid, ok, err)
	}

	if err := removeLine(passwd, "isolate-abc123"); err != nil {
		t.Fatalf("unexpected error removing: %v", err)
	}
	_, ok, err = readPasswdUIDFromFile(passwd, "isolate-abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected entry to be gone after removeLine")
	}

	remaining, err := os.ReadFile(passwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(remaining), "root:x:0:0:root:/root:/bin/bash") {
		t.Error("expected unrelated entries to survive removeLine")
	}
}

func TestRemoveLineNoopWhenAbsent(t *testing.T) {
	passwd, _ := withFakePasswdFiles(t, "root:x:0:0:root:/root:/bin/bash\n", "")
	if err := removeLine(passwd, "nosuchuser"); err != nil {
		t.Fatalf("expected removing an absent entry to be a no-op, got error: %v", err)
	}
}
