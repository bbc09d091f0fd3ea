package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	red    = color.New(color.FgRed)
	bold   = color.New(color.Bold)
)

func header(text string) {
	line := strings.Repeat("=", 60)
	green.Printf("\n%s\n", line)
	green.Printf("%s\n", center(text, 60))
	green.Printf("%s\n\n", line)
}

func step(stepNum, totalSteps int, text string) {
	yellow.Printf("[%d/%d] %s\n", stepNum, totalSteps, text)
}

func success(text string) {
	green.Printf("  → %s\n", text)
}

func info(text string) {
	fmt.Printf("  → %s\n", text)
}

func warning(text string) {
	yellow.Printf("  ⚠ %s\n", text)
}

func printResult(title string, r *model.BatchResult) {
	header(title)
	row(bold, "rule version", r.RuleVersion)
	row(green, "inserted", r.Inserted)
	row(nil, "updated", r.Updated)
	row(nil, "skipped (user-owned)", r.SkippedUserOwned)
	row(nil, "unmatched", r.Unmatched)

	if len(r.Failed) == 0 {
		row(green, "failed", 0)
		return
	}
	row(red, "failed", len(r.Failed))
	for _, f := range r.Failed {
		red.Printf("    %s: %s\n", f.SourceID, f.Reason)
	}
}

func row(c *color.Color, label string, value any) {
	if c == nil {
		fmt.Printf("  %-22s %v\n", label, value)
		return
	}
	c.Printf("  %-22s %v\n", label, value)
}

func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	pad := (width - len(text)) / 2
	return strings.Repeat(" ", pad) + text
}
