package containerrt

import "testing"

func TestTranslateWorkdir(t *testing.T) {
	h := &Handle{hostWorkspaceRoot: "/data/repos/proj-1/abc123"}

	tests := []struct {
		name    string
		host    string
		want    string
		wantErr bool
	}{
		{name: "empty defaults to workspace root", host: "", want: "/workspace"},
		{name: "root itself", host: "/data/repos/proj-1/abc123", want: "/workspace"},
		{name: "nested path", host: "/data/repos/proj-1/abc123/src/app", want: "/workspace/src/app"},
		{name: "outside root rejected", host: "/etc/passwd", wantErr: true},
		{name: "sibling directory rejected", host: "/data/repos/proj-1/other", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.TranslateWorkdir(tt.host)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got none", tt.host)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
