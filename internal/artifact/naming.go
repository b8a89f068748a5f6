package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// BaseName strips the extension from the original filename. "scan.jpg"
// becomes "scan".
func BaseName(fileName string) string {
	base := filepath.Base(fileName)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// CandidateName yields the nth candidate artifact name for a base filename:
// base.pdf, base(1).pdf, base(2).pdf, ... The caller probes candidates in
// increasing order until a claim succeeds.
func CandidateName(base string, n int) string {
	if n == 0 {
		return base + ".pdf"
	}
	return fmt.Sprintf("%s(%d).pdf", base, n)
}
