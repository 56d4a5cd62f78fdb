package multipart

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestBytesSource(t *testing.T) {
	data := []byte("first chunk|second chunk with more data|third")
	src := NewBytesSource(data)

	if src.Size() != int64(len(data)) {
		t.Errorf("Expected size %d, got %d", len(data), src.Size())
	}

	desc := ChunkDescriptor{Index: 2, Offset: 12, Length: 27}
	got, err := io.ReadAll(Section(src, desc))
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if string(got) != "second chunk with more data" {
		t.Errorf("Expected %q, got %q", "second chunk with more data", got)
	}
}

func TestFileSource(t *testing.T) {
	// Create a temp file with test data
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "test.bin")

	testData := make([]byte, 100)
	for i := range testData {
		testData[i] = byte(i)
	}
	if err := os.WriteFile(testFile, testData, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	src, err := OpenFileSource(testFile)
	if err != nil {
		t.Fatalf("OpenFileSource error: %v", err)
	}
	defer src.Close()

	if src.Size() != 100 {
		t.Errorf("Expected size 100, got %d", src.Size())
	}

	// 30+30+30+10 = 100
	descriptors := []ChunkDescriptor{
		{Index: 1, Offset: 0, Length: 30},
		{Index: 2, Offset: 30, Length: 30},
		{Index: 3, Offset: 60, Length: 30},
		{Index: 4, Offset: 90, Length: 10},
	}

	// Read every chunk concurrently; sections must not share a cursor
	chunks := make([][]byte, len(descriptors))
	var wg sync.WaitGroup
	for i, desc := range descriptors {
		wg.Add(1)
		go func(i int, desc ChunkDescriptor) {
			defer wg.Done()
			data, err := io.ReadAll(Section(src, desc))
			if err != nil {
				t.Errorf("ReadAll chunk %d error: %v", desc.Index, err)
				return
			}
			chunks[i] = data
		}(i, desc)
	}
	wg.Wait()

	var readData []byte
	for _, chunk := range chunks {
		readData = append(readData, chunk...)
	}
	if string(readData) != string(testData) {
		t.Errorf("Read data doesn't match original")
	}
}

func TestOpenFileSource_Errors(t *testing.T) {
	if _, err := OpenFileSource(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("Expected error for missing file")
	}

	if _, err := OpenFileSource(t.TempDir()); err == nil {
		t.Error("Expected error for directory")
	}
}
