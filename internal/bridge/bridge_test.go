package bridge

import "testing"

func TestParseFastbootGetvar(t *testing.T) {
	cases := []struct {
		name    string
		stdout  string
		varName string
		wantVal string
		wantOK  bool
	}{
		{
			name:    "simple product line",
			stdout:  "product: walleye\nfinished. total time: 0.002s\n",
			varName: "product",
			wantVal: "walleye",
			wantOK:  true,
		},
		{
			name:    "var not present",
			stdout:  "product: walleye\n",
			varName: "version-bootloader",
			wantOK:  false,
		},
		{
			name:    "multiple vars picks the matching line",
			stdout:  "version-bootloader: 1.0\nproduct: taimen\n",
			varName: "product",
			wantVal: "taimen",
			wantOK:  true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseFastbootGetvar(tc.stdout, tc.varName)
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && got != tc.wantVal {
				t.Errorf("value = %q, want %q", got, tc.wantVal)
			}
		})
	}
}
