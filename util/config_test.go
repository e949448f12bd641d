package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigConstants(t *testing.T) {
	if Name != "mastodont" {
		t.Errorf("Expected Name 'mastodont', got '%s'", Name)
	}

	if ConfigFileName != "config.yaml" {
		t.Errorf("Expected ConfigFileName 'config.yaml', got '%s'", ConfigFileName)
	}
}

func TestParseConfDefaults(t *testing.T) {
	config, err := ParseConf(nil)
	if err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}

	if config.Conf.MaxDeliveryUnits != 200 {
		t.Errorf("Expected MaxDeliveryUnits 200, got %d", config.Conf.MaxDeliveryUnits)
	}
	if config.Conf.DeliveryGrace != 2*time.Minute {
		t.Errorf("Expected DeliveryGrace 2m, got %v", config.Conf.DeliveryGrace)
	}
	if config.Conf.SignatureDialect != "legacy" || config.Conf.DigestAlgorithm != "sha256" {
		t.Errorf("Unexpected signature defaults %s/%s", config.Conf.SignatureDialect, config.Conf.DigestAlgorithm)
	}
	if !config.Conf.SharedInbox {
		t.Error("Expected the shared inbox to be on by default")
	}
}

func TestParseConfWithYaml(t *testing.T) {
	hash, err := HashSecret("test")
	if err != nil {
		t.Fatalf("HashSecret failed: %v", err)
	}
	yamlContent := fmt.Sprintf(`
conf:
  host: 127.0.0.1
  httpPort: 8080
  domain: home.example
  port: 8443
  logLevel: debug
  deliveryTimeout: 5s
  digestAlgorithm: sha512
  clients:
    - name: cli
      account: alice
      passwordHash: "%s"
  accounts:
    - nickname: alice
    - nickname: bob
      manuallyApprovesFollowers: true
`, hash)
	config, err := ParseConf([]byte(yamlContent))
	if err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}

	if config.Conf.Host != "127.0.0.1" {
		t.Errorf("Expected Host '127.0.0.1', got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8080 {
		t.Errorf("Expected HttpPort 8080, got %d", config.Conf.HttpPort)
	}
	if config.DomainFull() != "home.example:8443" {
		t.Errorf("Expected DomainFull 'home.example:8443', got '%s'", config.DomainFull())
	}
	if config.Conf.DeliveryTimeout != 5*time.Second {
		t.Errorf("Expected DeliveryTimeout 5s, got %v", config.Conf.DeliveryTimeout)
	}
	if config.Conf.DigestAlgorithm != "sha512" {
		t.Errorf("Expected sha512, got %s", config.Conf.DigestAlgorithm)
	}
	if config.Conf.MaxDeliveryUnits != 200 {
		t.Errorf("Expected defaults to survive, got MaxDeliveryUnits %d", config.Conf.MaxDeliveryUnits)
	}
	if len(config.Conf.Clients) != 1 || !SecretMatches("test", config.Conf.Clients[0].PasswordHash) {
		t.Errorf("Unexpected clients %+v", config.Conf.Clients)
	}
	if len(config.Conf.Accounts) != 2 || !config.Conf.Accounts[1].ManuallyApprovesFollowers {
		t.Errorf("Unexpected accounts %+v", config.Conf.Accounts)
	}
}

func TestParseConfWithEnvOverrides(t *testing.T) {
	t.Setenv("MASTODONT_HOST", "192.168.1.1")
	t.Setenv("MASTODONT_HTTPPORT", "8081")
	t.Setenv("MASTODONT_DOMAIN", "env.example")
	t.Setenv("MASTODONT_SHARED_INBOX", "false")
	t.Setenv("MASTODONT_SIGNATURE_DIALECT", "structured")

	config, err := ParseConf([]byte("conf:\n  domain: file.example\n"))
	if err != nil {
		t.Fatalf("ParseConf failed: %v", err)
	}

	if config.Conf.Host != "192.168.1.1" {
		t.Errorf("Expected Host from env, got '%s'", config.Conf.Host)
	}
	if config.Conf.HttpPort != 8081 {
		t.Errorf("Expected HttpPort from env, got %d", config.Conf.HttpPort)
	}
	if config.Conf.Domain != "env.example" {
		t.Errorf("Expected Domain from env, got '%s'", config.Conf.Domain)
	}
	if config.Conf.SharedInbox {
		t.Error("Expected SharedInbox to be switched off")
	}
	if config.Conf.SignatureDialect != "structured" {
		t.Errorf("Expected structured dialect, got %s", config.Conf.SignatureDialect)
	}
}

func TestParseConfInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "broken yaml", yaml: "conf:\n  httpPort: [\n"},
		{name: "port out of range", yaml: "conf:\n  httpPort: 70000\n"},
		{name: "unknown dialect", yaml: "conf:\n  signatureDialect: cavage\n"},
		{name: "unknown digest", yaml: "conf:\n  digestAlgorithm: md5\n"},
		{name: "bad domain", yaml: "conf:\n  domain: \"not a domain\"\n"},
		{name: "short password hash", yaml: "conf:\n  clients:\n    - {name: cli, account: alice, passwordHash: abc}\n"},
		{name: "sha256 password hash", yaml: "conf:\n  clients:\n    - {name: cli, account: alice, passwordHash: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08}\n"},
		{name: "uppercase nickname", yaml: "conf:\n  accounts:\n    - nickname: Alice\n"},
		{name: "non numeric env port", env: map[string]string{"MASTODONT_HTTPPORT": "invalid"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := ParseConf([]byte(tt.yaml)); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestResolveFilePath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	abs := filepath.Join(t.TempDir(), "db.sqlite")
	if got := ResolveFilePath(abs); got != abs {
		t.Errorf("Expected absolute path unchanged, got %s", got)
	}
	if got := ResolveFilePath(":memory:"); got != ":memory:" {
		t.Errorf("Expected :memory: unchanged, got %s", got)
	}

	got := ResolveFilePath("missing-file.db")
	if !strings.HasSuffix(got, filepath.Join(AppConfigDir, "missing-file.db")) {
		t.Errorf("Expected a path in the config dir, got %s", got)
	}
}

func TestResolveDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir, err := ResolveDir("data")
	if err != nil {
		t.Fatalf("ResolveDir failed: %v", err)
	}
	if dir != filepath.Join(home, AppConfigDir, "data") {
		t.Errorf("Unexpected data dir %s", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("Expected %s to be created", dir)
	}
}
