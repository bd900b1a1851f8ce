package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/translator"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	statusStyle = map[string]lipgloss.Style{
		"active":   lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		"disabled": lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		"error":    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"warning":  lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		"fatal":    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// table renders rows in aligned columns, cells styled by their text when
// a status style matches.
func table(header []string, rows [][]string) string {
	width := make([]int, len(header))
	for i, h := range header {
		width[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			width[i] = max(width[i], lipgloss.Width(c))
		}
	}
	line := func(cells []string, style func(string) lipgloss.Style) string {
		out := make([]string, len(cells))
		for i, c := range cells {
			out[i] = style(c).Width(width[i]).Render(c)
		}
		return strings.Join(out, " │ ")
	}
	lines := []string{line(header, func(string) lipgloss.Style { return headerStyle })}
	for _, r := range rows {
		lines = append(lines, line(r, func(c string) lipgloss.Style {
			if s, ok := statusStyle[c]; ok {
				return s
			}
			return lipgloss.NewStyle()
		}))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func printJSON(v any) {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(buf))
}

// fail prints the code and localized message of err and exits.
func fail(err error) {
	code := fault.CodeOf(err)
	msg := translator.TranslateCode(translator.NewLocalizer(), code)
	fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("[%d] %v", code, msg)))
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
