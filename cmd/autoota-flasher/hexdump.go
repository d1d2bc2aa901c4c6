package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// hexView prints data as rows of 16 bytes with absolute addresses and an
// ASCII column.
func hexView(w io.Writer, base uint32, data []byte) error {
	bw := bufio.NewWriter(w)

	header := "          "
	for i := 0; i < 16; i++ {
		header += fmt.Sprintf(" %02X", i)
	}
	fmt.Fprintln(bw, header)
	fmt.Fprintln(bw, strings.Repeat("-", len(header)))

	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]

		fmt.Fprintf(bw, "%08X: ", base+uint32(off))
		for i := 0; i < 16; i++ {
			if i < len(row) {
				fmt.Fprintf(bw, " %02X", row[i])
			} else {
				bw.WriteString("   ")
			}
		}

		bw.WriteString("  |")
		for _, b := range row {
			if b < 0x20 || b > 0x7E {
				b = '.'
			}
			bw.WriteByte(b)
		}
		bw.WriteString("|\n")
	}

	return bw.Flush()
}
