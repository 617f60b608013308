package template

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerator_Generate(t *testing.T) {
	generator := NewGenerator()

	tests := []struct {
		name        string
		storeType   StoreType
		id          string
		root        string
		expectError bool
		validate    func(*testing.T, *DataStore)
	}{
		{
			name:      "file_default_root",
			storeType: TypeFile,
			id:        "root",
			validate: func(t *testing.T, ds *DataStore) {
				if ds.StoreID != "file" || ds.StoreParams["root"] != "." {
					t.Errorf("unexpected file store: %+v", ds)
				}
			},
		},
		{
			name:      "s3_bucket",
			storeType: TypeS3,
			id:        "my-s3-bucket",
			root:      "my-s3-bucket",
			validate: func(t *testing.T, ds *DataStore) {
				if ds.StoreID != "s3" || ds.StoreParams["root"] != "my-s3-bucket" {
					t.Errorf("unexpected s3 store: %+v", ds)
				}
				if _, ok := ds.StoreParams["storage_options"]; !ok {
					t.Error("expected storage_options")
				}
			},
		},
		{
			name:      "memory",
			storeType: TypeMemory,
			id:        "scratch",
			validate: func(t *testing.T, ds *DataStore) {
				if ds.StoreParams != nil {
					t.Errorf("memory store takes no params: %+v", ds.StoreParams)
				}
			},
		},
		{name: "s3_without_bucket", storeType: TypeS3, id: "b", expectError: true},
		{name: "missing_id", storeType: TypeFile, expectError: true},
		{name: "unknown_type", storeType: "ftp", id: "x", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := generator.Generate(tt.storeType, tt.id, tt.root)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error, got %+v", ds)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ds.Identifier != tt.id {
				t.Errorf("identifier = %q, want %q", ds.Identifier, tt.id)
			}
			tt.validate(t, ds)
		})
	}
}

func TestDefaultServerConfigYAML(t *testing.T) {
	data, err := DefaultServerConfig().YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	s := string(data)
	if !strings.HasPrefix(s, "# xcube Server configuration file") {
		t.Fatalf("missing header: %q", s)
	}
	for _, want := range []string{"DataStores:", "Identifier: root", "StoreId: file", "StoreParams:"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in:\n%s", want, s)
		}
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(back.DataStores) != 1 || back.DataStores[0].Identifier != "root" {
		t.Fatalf("unexpected parsed config: %+v", back)
	}
}

func TestWriteIfMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "xcube-server.yaml")
	wrote, err := WriteIfMissing(path)
	if err != nil || !wrote {
		t.Fatalf("first write: wrote=%v err=%v", wrote, err)
	}
	if err := os.WriteFile(path, []byte("DataStores: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	wrote, err = WriteIfMissing(path)
	if err != nil || wrote {
		t.Fatalf("second write must be skipped: wrote=%v err=%v", wrote, err)
	}
	b, _ := os.ReadFile(path)
	if string(b) != "DataStores: []\n" {
		t.Fatalf("existing file was overwritten: %q", b)
	}
}

func TestGetSupportedTypes(t *testing.T) {
	if got := NewGenerator().GetSupportedTypes(); len(got) != 3 {
		t.Fatalf("unexpected types: %v", got)
	}
}
