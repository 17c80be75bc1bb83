package drive

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// maxFileNameLen bounds archived file names, extension included.
const maxFileNameLen = 128

// illegal characters in OneDrive/SharePoint item names.
const illegalChars = `"*:<>?/\|`

// SanitizeFileName makes a file name legal for the document store: illegal
// characters become underscores and overlong names are truncated while the
// extension is preserved.
func SanitizeFileName(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalChars, r) {
			return '_'
		}
		return r
	}, name)

	runes := []rune(sanitized)
	if len(runes) <= maxFileNameLen {
		return sanitized
	}

	ext := path.Ext(sanitized)
	extRunes := []rune(ext)
	keep := maxFileNameLen - len(extRunes)
	if keep < 1 {
		// Extension alone fills the budget; hard cut.
		return string(runes[:maxFileNameLen])
	}

	base := runes[:len(runes)-len(extRunes)]
	return string(base[:keep]) + ext
}

// ArchivePath computes the deterministic destination path for an attachment:
// /<root>/<YYYY>/<MM>/<sanitized name>, with year and month taken from the
// message's received time, never the upload time.
func ArchivePath(root string, receivedAt time.Time, fileName string) string {
	r := receivedAt.UTC()
	return fmt.Sprintf("/%s/%s/%s/%s", root, r.Format("2006"), r.Format("01"), SanitizeFileName(fileName))
}
