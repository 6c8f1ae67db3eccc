package sqlutil

import "testing"

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"l1", `"l1"`},
		{"supplier_name", `"supplier_name"`},
		{"select", `"select"`},         // reserved word
		{"first name", `"first name"`}, // space in name
		{`a"b`, `"a""b"`},              // quote in name
		{`x" OR 1=1 --`, `"x"" OR 1=1 --"`},
		{"", `""`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := QuoteIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTableName(t *testing.T) {
	tests := []struct {
		parts    []string
		expected string
	}{
		{[]string{"spend"}, "ds_spend"},
		{[]string{"spend-2024", "3"}, "ds_spend_2024_3"},
		{[]string{"a b;drop", "v1"}, "ds_a_b_drop_v1"},
		{[]string{"ünï"}, "ds__n_"},
	}

	for _, tt := range tests {
		result := TableName("ds", tt.parts...)
		if result != tt.expected {
			t.Errorf("TableName(%q) = %q, want %q", tt.parts, result, tt.expected)
		}
	}
}
