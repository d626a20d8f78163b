package stream

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestPrepareImagesFiltersAndEncodes(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "a.PNG")
	data := []byte("\x89PNG\r\n\x1a\nfake")
	if err := os.WriteFile(png, data, 0o644); err != nil {
		t.Fatal(err)
	}
	gif := filepath.Join(dir, "b.gif")
	if err := os.WriteFile(gif, []byte("GIF89a"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := PrepareImages(nil, []string{png, gif, filepath.Join(dir, "missing.jpg")})
	if len(got) != 1 {
		t.Fatalf("expected one image, got %d", len(got))
	}
	sum := md5.Sum(data)
	if got[0].MD5 != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected md5 %s", got[0].MD5)
	}
}

func TestPrepareImagesCapsCount(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < MaxImages+3; i++ {
		p := filepath.Join(dir, string(rune('a'+i))+".jpg")
		if err := os.WriteFile(p, []byte{0xff, 0xd8, 0xff, byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	if got := PrepareImages(nil, paths); len(got) != MaxImages {
		t.Fatalf("expected %d images, got %d", MaxImages, len(got))
	}
}

func TestPrepareImagesSkipsOversized(t *testing.T) {
	p := filepath.Join(t.TempDir(), "big.jpg")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(MaxImageBytes + 1); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	if got := PrepareImages(nil, []string{p}); len(got) != 0 {
		t.Fatalf("oversized image attached")
	}
}
