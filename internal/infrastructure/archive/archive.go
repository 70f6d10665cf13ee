package archive

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// objectName names one archived payload. Several chunks of the same project
// can be posted within a second, so a random suffix keeps names unique.
func objectName(projectID int, at time.Time) string {
	return fmt.Sprintf("%d-posted-data-%s-%s.json", projectID, at.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}
