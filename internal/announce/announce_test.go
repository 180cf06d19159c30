package announce

import (
	"bytes"
	"testing"
)

func TestWriterAnnouncerPrefixesToasts(t *testing.T) {
	var out bytes.Buffer
	announcer := NewWriterAnnouncer(&out, nil)

	announcer.Announce(Info("page 3"))
	announcer.Announce(Warning("sync failed"))
	announcer.Announce(Notice{})

	expected := "[live] page 3\n[toast] sync failed\n"
	if out.String() != expected {
		t.Fatalf("unexpected output %q", out.String())
	}
}
