package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/openfroyo/sshlink/pkg/transports/ssh"
)

// printTable writes rows as a borderless, left-aligned table.
func printTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.AppendBulk(rows)
	table.Render()
}

// printPairs writes a key: value table.
func printPairs(w io.Writer, pairs [][2]string) {
	table := tablewriter.NewWriter(w)

	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(":")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, pair := range pairs {
		table.Append([]string{pair[0], pair[1]})
	}
	table.Render()
}

func fileRows(files []*ssh.FileStat) [][]string {
	rows := make([][]string, len(files))
	for i, f := range files {
		rows[i] = []string{
			f.Perm,
			strconv.FormatUint(uint64(f.UID), 10),
			strconv.FormatUint(uint64(f.GID), 10),
			strconv.FormatInt(f.Size, 10),
			f.Mtime.Local().Format(time.DateTime),
			f.Name,
		}
	}
	return rows
}

func statPairs(f *ssh.FileStat) [][2]string {
	return [][2]string{
		{"Path", f.Path},
		{"Type", f.Type.String()},
		{"Size", strconv.FormatInt(f.Size, 10)},
		{"Mode", fmt.Sprintf("%s (%04o)", f.Perm, uint32(f.Mode.Perm()))},
		{"Owner", fmt.Sprintf("%d:%d", f.UID, f.GID)},
		{"Accessed", formatTime(f.Atime)},
		{"Modified", formatTime(f.Mtime)},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
