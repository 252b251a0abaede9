package csvcodec

import "testing"

func TestParseDetectsDelimiter(t *testing.T) {
	cases := []struct {
		name string
		data string
		want rune
	}{
		{"comma", "a,b,c\n1,2,3\n", ','},
		{"semicolon", "a;b;c\n1;2;3\n", ';'},
		{"tab", "a\tb\tc\n1\t2\t3\n", '\t'},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			table := Parse([]byte(tc.data))
			if table.Delimiter != tc.want {
				t.Fatalf("delimiter = %q, want %q", table.Delimiter, tc.want)
			}
			if !table.HasHeader {
				t.Fatalf("expected header to be detected")
			}
			if len(table.Rows) != 1 {
				t.Fatalf("rows = %d, want 1", len(table.Rows))
			}
		})
	}
}

func TestParseStripsBOMAndCRLF(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("type,stock\r\n12,4\r\n")...)
	table := Parse(data)
	if table.HasHeader != true {
		t.Fatalf("expected header")
	}
	if got := table.Header[0]; got != "type" {
		t.Fatalf("header[0] = %q, want type", got)
	}
	if got := Cell(table.Rows[0], table.Column("stock")); got != "4" {
		t.Fatalf("stock cell = %q, want 4", got)
	}
}

func TestParseHandlesQuotedFieldsWithEmbeddedDelimiter(t *testing.T) {
	table := Parse([]byte("name,note\n\"Smith, John\",\"He said \"\"hi\"\"\"\n"))
	if len(table.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(table.Rows))
	}
	row := table.Rows[0]
	if row[0] != "Smith, John" {
		t.Fatalf("row[0] = %q", row[0])
	}
	if row[1] != `He said "hi"` {
		t.Fatalf("row[1] = %q", row[1])
	}
}

func TestParseNoHeaderWhenAllNumeric(t *testing.T) {
	table := Parse([]byte("1,2,3\n4,5,6\n"))
	if table.HasHeader {
		t.Fatalf("did not expect a header for all-numeric rows")
	}
	if len(table.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(table.Rows))
	}
}

func TestWriteParseRoundTrip(t *testing.T) {
	header := []string{"key", "note"}
	rows := [][]string{
		{"A1", "plain"},
		{"A2", "has, comma"},
		{"A3", `has "quote"`},
	}
	out := Write(header, rows)
	table := Parse(out)

	if !table.HasHeader {
		t.Fatalf("expected header to survive round trip")
	}
	for i, row := range table.Rows {
		if row[0] != rows[i][0] || row[1] != rows[i][1] {
			t.Fatalf("row %d = %v, want %v", i, row, rows[i])
		}
	}
}

func TestColumnIsCaseInsensitiveAndSupportsSynonyms(t *testing.T) {
	table := Parse([]byte("Type_Data,Qty_Total\n5,9\n"))
	if col := table.Column("type", "type_data"); col != 0 {
		t.Fatalf("column(type,type_data) = %d, want 0", col)
	}
	if col := table.Column("missing"); col != -1 {
		t.Fatalf("column(missing) = %d, want -1", col)
	}
}

func TestCellOutOfRange(t *testing.T) {
	if got := Cell([]string{"a"}, 5); got != "" {
		t.Fatalf("Cell out of range = %q, want empty", got)
	}
	if got := Cell([]string{"a"}, -1); got != "" {
		t.Fatalf("Cell negative index = %q, want empty", got)
	}
}
