package extractor

import (
	"reflect"
	"testing"
)

func TestExtractLevels(t *testing.T) {
	type ld = LevelDescription
	tests := []struct {
		name string
		row  string
		want []LevelDescription
	}{
		{"two_pairs", "1 혈압 상승 2 맥박 상승", []ld{{"1", "혈압 상승"}, {"2", "맥박 상승"}}},
		{"empty", "", nil},
		{"no_digits", "no digits here", nil},
		{"digit_only", "1", nil},
		{"digit_then_space", "1 ", []ld{{"1", ""}}},
		{"single", "1 a", []ld{{"1", "a"}}},
		{"leading_text", "혈압 1 a 2", []ld{{"1", "a 2"}}},
		{"multi_digit_level", "12 a 3 b", []ld{{"12", "a"}, {"3", "b"}}},
		{"newline_as_separator", "1\n2 a", []ld{{"1", "2 a"}}},
		{"description_stops_at_newline", "1 a\n2 b", []ld{{"1", "a"}, {"2", "b"}}},
		{"trailing_newline", "1 a\n", []ld{{"1", "a"}}},
		{"two_trailing_newlines", "1 a\n\n", nil},
		{"starts_inside_word", "a12 b", []ld{{"12", "b"}}},
		{"wide_spacing", "1  a  2  b", []ld{{"1", "a"}, {"2", "b"}}},
		{"number_inside_description", "1 SpO2 < 90 % 2 b", []ld{{"1", "SpO2 <"}, {"90", "%"}, {"2", "b"}}},
		{"decimal_not_a_level", "3 체온 38.5 이상 4 x", []ld{{"3", "체온 38.5 이상"}, {"4", "x"}}},
		{"whitespace_backtrack", "1 \n2 x\nfoo", []ld{{"1", ""}}},
		{"trailing_unmatched_digit", "1 a 2", []ld{{"1", "a 2"}}},
		{"digit_glued_to_word", "1 a 2b 3 c", []ld{{"1", "a 2b"}, {"3", "c"}}},
		{"ideographic_space", "1　a", []ld{{"1", "a"}}},
		{"fullwidth_digit", "１ 전각", []ld{{"１", "전각"}}},
		{"tabs", "5 a\t6\tb", []ld{{"5", "a"}, {"6", "b"}}},
		{"adjacent_levels", "1 a 22 33 b", []ld{{"1", "a"}, {"22", "33 b"}}},
		{"category_header", "활력징후 1차 고려사항", nil},
		{"code_row", "NACRS 123", nil},
		{"title_row", "Coding System Codes Chest Pain", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractLevels(tt.row)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractLevels(%q)\n got %q\nwant %q", tt.row, got, tt.want)
			}
		})
	}
}

func TestTerminatorAt(t *testing.T) {
	rs := []rune("a 12 b\n")
	tests := []struct {
		pos  int
		want bool
	}{
		{1, true},  // " 12 "
		{0, false}, // not whitespace
		{4, false}, // " b"
		{6, true},  // before the final newline
		{7, true},  // end
	}
	for _, tt := range tests {
		if got := terminatorAt(rs, tt.pos); got != tt.want {
			t.Errorf("terminatorAt(%d) = %v, want %v", tt.pos, got, tt.want)
		}
	}
}
