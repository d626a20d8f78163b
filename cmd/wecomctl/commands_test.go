package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPushURLCommands(t *testing.T) {
	store := filepath.Join(t.TempDir(), "wecom.db")
	url := "https://qyapi.weixin.qq.com/cgi-bin/webhook/send?key=secret"

	if _, err := run(t, "--store", store, "push-url", "set", "user:zhangsan", url); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := run(t, "--store", store, "push-url", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "user:zhangsan") || strings.Contains(out, "secret") {
		t.Fatalf("unexpected list output: %s", out)
	}
	if _, err := run(t, "--store", store, "push-url", "delete", "user:zhangsan"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run(t, "--store", store, "push-url", "delete", "user:zhangsan"); err == nil {
		t.Fatal("expected error deleting a missing push url")
	}
}

func TestPushURLRejectsForeignURL(t *testing.T) {
	store := filepath.Join(t.TempDir(), "wecom.db")
	if _, err := run(t, "--store", store, "push-url", "set", "user:a", "https://example.com/hook"); err == nil {
		t.Fatal("expected rejection")
	}
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := "[wecom]\ntoken = \"token123\"\nencoding_aes_key = \"abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "--config", path, "check")
	if err != nil {
		t.Fatalf("check: %v (%s)", err, out)
	}
	if !strings.Contains(out, "config ok") || !strings.Contains(out, "webhook path: /wecom") {
		t.Fatalf("unexpected output: %s", out)
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[wecom]\ntoken = \"t\"\nencoding_aes_key = \"short\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "--config", bad, "check"); err == nil {
		t.Fatal("expected invalid key error")
	}
}
