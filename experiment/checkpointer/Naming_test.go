package checkpointer

import (
	"strings"
	"testing"
)

func TestFilenameEnumerator(t *testing.T) {
	name := FilenameEnumerator(0, "checkpoint", ".bin")

	expected := []string{"checkpoint1.bin", "checkpoint2.bin",
		"checkpoint3.bin"}
	for _, e := range expected {
		if n := name(); n != e {
			t.Errorf("wrong filename\n\twant(%v)\n\thave(%v)", e, n)
		}
	}
}

func TestFileTimer(t *testing.T) {
	name := FileTimer("checkpoint", ".bin")

	n := name()
	if !strings.HasPrefix(n, "checkpoint-") ||
		!strings.HasSuffix(n, ".bin") {
		t.Errorf("wrong filename form: %v", n)
	}
	if n == name() && n == name() {
		t.Errorf("filenames should be unique over time: %v", n)
	}
}
