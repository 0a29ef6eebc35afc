package engine

import (
	"fmt"
	"regexp"
	"strings"
)

var varRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

// SubstituteVars replaces {{name}} placeholders. Unknown placeholders are
// left in place so a missing variable is visible in the log rather than
// silently blanked.
func SubstituteVars(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	return varRe.ReplaceAllStringFunc(template, func(m string) string {
		name := strings.TrimSpace(strings.Trim(m, "{}"))
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// SaveOptions shape the output instruction appended to a prompt. The
// instruction is how a result-producing agent is reunited with its result:
// the agent saves through the emdx CLI and reports the doc id, and the
// output parser recovers it from the log afterwards. There is no
// stdout-to-store pipe.
type SaveOptions struct {
	Tags      []string
	Title     string
	Group     string
	GroupRole string
	OpenPR    bool
}

// OutputInstruction renders the save instruction for the given options.
func OutputInstruction(opts SaveOptions) string {
	var b strings.Builder
	b.WriteString("\n\nWhen you are done, save your final output by running:\n")
	b.WriteString("  emdx save --title ")
	if strings.TrimSpace(opts.Title) != "" {
		fmt.Fprintf(&b, "%q", opts.Title)
	} else {
		b.WriteString("\"<concise title>\"")
	}
	if len(opts.Tags) > 0 {
		fmt.Fprintf(&b, " --tags %q", strings.Join(opts.Tags, ","))
	}
	if strings.TrimSpace(opts.Group) != "" {
		fmt.Fprintf(&b, " --group %q", opts.Group)
	}
	if strings.TrimSpace(opts.GroupRole) != "" {
		fmt.Fprintf(&b, " --group-role %q", opts.GroupRole)
	}
	b.WriteString("\nThen report the saved document id as: Saved as #<id>\n")
	if opts.OpenPR {
		b.WriteString("If you opened a pull request, report it as: PR_URL: <url>\n")
	}
	return b.String()
}

// BuildPrompt resolves the effective prompt: variable substitution plus,
// when requested, the output instruction.
func BuildPrompt(template string, vars map[string]string, save *SaveOptions) string {
	prompt := SubstituteVars(template, vars)
	if save != nil {
		prompt += OutputInstruction(*save)
	}
	return prompt
}
