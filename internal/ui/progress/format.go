package progress

import (
	"fmt"
	"strconv"

	"github.com/bnema/ardysactl/internal/install"
	"github.com/bnema/ardysactl/internal/ui/styles"
)

// PrintStep prints a step with the appropriate icon and styling
func PrintStep(state State, message string) {
	fmt.Println(FormatStep(state, message))
}

// PrintComplete prints a completed step
func PrintComplete(message string) {
	PrintStep(StateComplete, message)
}

// PrintError prints an error step
func PrintError(message string) {
	PrintStep(StateError, message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Println(FormatWarning(message))
}

// PrintTitle prints a title/header
func PrintTitle(title string) {
	fmt.Printf("%s\n\n", styles.NormalText.Bold(true).Render(title))
}

// PrintDetail prints an indented detail line
func PrintDetail(detail string) {
	fmt.Printf("      %s\n", styles.MutedText.Render(detail))
}

// FormatStep returns a formatted step string
func FormatStep(state State, message string) string {
	return fmt.Sprintf("  %s %s", StyledIcon(state), StepStyle(state).Render(message))
}

// FormatWarning returns a formatted warning string
func FormatWarning(message string) string {
	icon := IconStyleWarning.Render(GetIcons().Warning)
	return fmt.Sprintf("  %s %s", icon, styles.WarningText.Render(message))
}

// FormatCount formats a progress count like "3/12"
func FormatCount(current, total int) string {
	return fmt.Sprintf("%d/%d", current, total)
}

// FormatBytes formats bytes into a human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatInt(bytes, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return strconv.FormatFloat(float64(bytes)/float64(div), 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "B"
}

// PrintResult prints the outcome of an install with its failed items
func PrintResult(res install.OperationResult) {
	switch {
	case res.Success && len(res.FailedItems) == 0:
		PrintComplete(res.Message)
	case res.Success:
		PrintWarning(res.Message)
	case res.Cancelled:
		PrintWarning(res.Message)
	default:
		PrintError(res.Message)
	}
	for _, f := range res.FailedItems {
		PrintDetail(fmt.Sprintf("%s: %s", f.Name, f.Reason))
	}
	if res.Hint != "" {
		PrintDetail(res.Hint)
	}
}

// PrintStatus prints a status block
func PrintStatus(info install.StatusInfo) {
	fmt.Printf("  %s %s\n", styles.StatusStyle(info.ColorHint).Render(info.StatusText), styles.MutedText.Render(info.Description))
	if info.Version != "" {
		PrintDetail("Game version: " + info.Version)
	}
	if !info.LastModified.IsZero() {
		PrintDetail("Archive updated: " + info.LastModified.Local().Format("2006-01-02 15:04"))
	}
	if info.ActionHint != "" {
		PrintDetail(info.ActionHint)
	}
}
