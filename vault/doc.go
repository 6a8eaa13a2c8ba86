// Package vault defines the canonical directory layout of the automation
// vault and the file formats that live inside it: action files (YAML),
// plan files (Markdown with YAML front matter) and approval files.
// All mutations go through the atomic write/move primitives in fs.go.
package vault
