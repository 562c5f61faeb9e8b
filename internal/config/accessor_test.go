package config

import "testing"

func TestGetByPath(t *testing.T) {
	cfg := validConfig()
	cfg.QQ.GroupID = 123456

	val, err := GetByPath(cfg, "qq.groupId")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if n, ok := val.(int); !ok || n != 123456 {
		t.Fatalf("expected 123456, got %v (%T)", val, val)
	}
}

func TestGetByPath_UnknownKey(t *testing.T) {
	if _, err := GetByPath(validConfig(), "qq.nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestGetByPath_ListIndex(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.FilterKeywords = []string{"casino", "spam"}

	val, err := GetByPath(cfg, "sync.filterKeywords.1")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if val != "spam" {
		t.Fatalf("expected %q, got %v", "spam", val)
	}
}

func TestSetByPath_Int(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "sync.cooldownSeconds", "7"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Sync.CooldownSeconds != 7 {
		t.Fatalf("expected 7, got %d", cfg.Sync.CooldownSeconds)
	}
}

func TestSetByPath_Bool(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "sync.enableMediaRelay", "false"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Sync.EnableMediaRelay {
		t.Fatal("expected media relay disabled")
	}
}

func TestSetByPath_String(t *testing.T) {
	cfg := validConfig()
	if err := SetByPath(cfg, "qq.apiUrl", "http://10.0.0.2:3000"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.QQ.APIURL != "http://10.0.0.2:3000" {
		t.Fatalf("unexpected apiUrl: %s", cfg.QQ.APIURL)
	}
}

func TestSanitize_MasksCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Token = "123456789:AAAAAAAAAAAAAAAAAAAAAAAA"
	cfg.QQ.AccessToken = "supersecrettoken"

	out := Sanitize(cfg)
	if out.Telegram.Token == cfg.Telegram.Token {
		t.Fatal("telegram token not masked")
	}
	if out.QQ.AccessToken == cfg.QQ.AccessToken {
		t.Fatal("qq access token not masked")
	}
	// Originals stay intact.
	if cfg.Telegram.Token != "123456789:AAAAAAAAAAAAAAAAAAAAAAAA" {
		t.Fatal("sanitize mutated the source config")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := validConfig()
	cfg.QQ.AccessToken = "short"
	if out := Sanitize(cfg); out.QQ.AccessToken != "***" {
		t.Fatalf("expected ***, got %q", out.QQ.AccessToken)
	}
}
