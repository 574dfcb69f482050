package nginx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hostwatch/hostwatch/internal/logger"
)

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.conf")
	if err := atomicWrite(path, "first"); err != nil {
		t.Fatalf("atomicWrite: %v", err)
	}
	if err := atomicWrite(path, "second"); err != nil {
		t.Fatalf("atomicWrite replace: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestUnifiedDiff(t *testing.T) {
	diff := unifiedDiff("server_name a;\n", "server_name b;\n")
	if !strings.Contains(diff, "-server_name a;") || !strings.Contains(diff, "+server_name b;") {
		t.Errorf("diff missing change markers:\n%s", diff)
	}
}

func TestUpdateBeforeSetupFails(t *testing.T) {
	d := NewDriver("nginx", t.TempDir(), logger.New("error", false))
	if _, err := d.Update("anything", false); err == nil {
		t.Error("Update before Setup should fail")
	}
}
