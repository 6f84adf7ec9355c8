package engine

import "strings"

// CountCheckboxes scans a markdown body for GitHub task-list items and
// returns (total, done). Checked boxes accept x or X.
func CountCheckboxes(body string) (total, done int) {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "- [ ]"), strings.HasPrefix(trimmed, "* [ ]"):
			total++
		case strings.HasPrefix(trimmed, "- [x]"), strings.HasPrefix(trimmed, "- [X]"),
			strings.HasPrefix(trimmed, "* [x]"), strings.HasPrefix(trimmed, "* [X]"):
			total++
			done++
		}
	}
	return total, done
}

// ExtractChecklist returns the task-list lines from a markdown body, with
// their checkbox prefixes intact. Used to seed a change-set description
// from the plan in the item body.
func ExtractChecklist(body string) []string {
	var tasks []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range []string{"- [ ]", "- [x]", "- [X]", "* [ ]", "* [x]", "* [X]"} {
			if strings.HasPrefix(trimmed, prefix) {
				tasks = append(tasks, trimmed)
				break
			}
		}
	}
	return tasks
}
