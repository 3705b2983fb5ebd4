package textnorm

import "testing"

func TestFold(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Avançado", "avancado"},
		{"  AVANÇADO  ", "avancado"},
		{"Abaixo do Básico", "abaixo do basico"},
		{"João  da   Silva", "joao da silva"},
		{"Maria-José", "maria jose"},
		{"Produção Textual!", "producao textual"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFoldIdempotent(t *testing.T) {
	for _, s := range []string{"Ciências da Natureza", "ÉRICA", "x  y"} {
		once := Fold(s)
		if twice := Fold(once); twice != once {
			t.Errorf("Fold not idempotent for %q: %q then %q", s, once, twice)
		}
	}
}
