package expectation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"parcel/internal/container"
	"parcel/internal/objhash"
)

// ID identifies an expectation.
type ID string

// PackageType enumerates the first-class package kinds.
type PackageType string

const (
	TypeMediaFile   PackageType = "MEDIA_FILE"
	TypeQuantelClip PackageType = "QUANTEL_CLIP"
	TypeJSONData    PackageType = "JSON_DATA"
)

var packageTypes = map[PackageType]struct{}{
	TypeMediaFile:   {},
	TypeQuantelClip: {},
	TypeJSONData:    {},
}

// ParsePackageType converts a string into a known PackageType.
func ParsePackageType(value string) (PackageType, bool) {
	normalized := PackageType(strings.ToUpper(strings.TrimSpace(value)))
	_, ok := packageTypes[normalized]
	return normalized, ok
}

// sourceAccessors lists which accessor variants may serve as a source for
// each package type.
var sourceAccessors = map[PackageType][]container.AccessorType{
	TypeMediaFile: {
		container.AccessorLocalFolder,
		container.AccessorFileShare,
		container.AccessorHTTP,
		container.AccessorHTTPProxy,
	},
	TypeQuantelClip: {
		container.AccessorQuantel,
	},
	TypeJSONData: {
		container.AccessorLocalFolder,
		container.AccessorFileShare,
		container.AccessorHTTP,
		container.AccessorCorePackageInfo,
	},
}

// AcceptsSourceAccessor reports whether accessor type t is a valid source for
// packages of this type.
func (p PackageType) AcceptsSourceAccessor(t container.AccessorType) bool {
	for _, accepted := range sourceAccessors[p] {
		if accepted == t {
			return true
		}
	}
	return false
}

// Content identifies a package. Which fields apply depends on the package
// type; the zero fields of the other variants stay empty.
type Content struct {
	// MEDIA_FILE
	FilePath string `json:"filePath,omitempty"`
	// QUANTEL_CLIP, identified by guid or title
	GUID  string `json:"guid,omitempty"`
	Title string `json:"title,omitempty"`
	// JSON_DATA
	Path string `json:"path,omitempty"`
}

// Version pins the revision of a package.
type Version struct {
	// MEDIA_FILE
	FileSize     int64  `json:"fileSize,omitempty"`
	ModifiedTime int64  `json:"modifiedTime,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
	ChecksumType string `json:"checksumType,omitempty"`
	// QUANTEL_CLIP
	CloneID int    `json:"cloneId,omitempty"`
	Created string `json:"created,omitempty"`
}

// ContainerRef names a container and the accessors an expectation may use on
// it. The embedded accessor definitions make the requirement self-contained:
// a worker needs no side lookups to decide whether it can serve it.
type ContainerRef struct {
	ContainerID container.ID                                `json:"containerId"`
	Label       string                                      `json:"label,omitempty"`
	Accessors   map[container.AccessorID]container.Accessor `json:"accessors"`
}

// Requirement pairs containers with the package content and version expected
// there. StartRequirement describes sources, EndRequirement targets.
type Requirement struct {
	Containers []ContainerRef `json:"containers"`
	Content    Content        `json:"content"`
	Version    Version        `json:"version"`
}

// WorkOptions tunes how workers perform and tear down the work.
type WorkOptions struct {
	RequiredForPlayout bool          `json:"requiredForPlayout,omitempty"`
	RemoveDelay        time.Duration `json:"removeDelay,omitempty"`
	RemovePackage      bool          `json:"removePackage,omitempty"`
}

// StatusReport controls upstream reporting for an expectation.
type StatusReport struct {
	SendReport  bool   `json:"sendReport"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// Expectation is the immutable-by-id declarative record produced upstream.
type Expectation struct {
	ID                    ID           `json:"id"`
	Priority              int          `json:"priority"`
	Type                  PackageType  `json:"type"`
	StatusReport          StatusReport `json:"statusReport"`
	StartRequirement      Requirement  `json:"startRequirement"`
	EndRequirement        Requirement  `json:"endRequirement"`
	WorkOptions           WorkOptions  `json:"workOptions"`
	DependsOnFulfilled    []ID         `json:"dependsOnFulfilled,omitempty"`
	TriggerByFulfilledIDs []ID         `json:"triggerByFulfilledIds,omitempty"`
	// ContentVersionHash is the upstream-declared revision the end requirement
	// must reach. Fulfilled state requires the worker-reported actual hash to
	// match it.
	ContentVersionHash string `json:"contentVersionHash"`
}

// Validate checks structural soundness of the expectation definition.
// Violations are config errors: terminal until upstream updates the record.
func (e Expectation) Validate() error {
	if strings.TrimSpace(string(e.ID)) == "" {
		return errors.New("expectation: id is required")
	}
	if _, ok := packageTypes[e.Type]; !ok {
		return fmt.Errorf("expectation %s: unknown package type %q", e.ID, e.Type)
	}
	if len(e.StartRequirement.Containers) == 0 {
		return fmt.Errorf("expectation %s: start requirement names no containers", e.ID)
	}
	if len(e.EndRequirement.Containers) == 0 {
		return fmt.Errorf("expectation %s: end requirement names no containers", e.ID)
	}
	for _, ref := range e.StartRequirement.Containers {
		for accessorID, accessor := range ref.Accessors {
			if err := accessor.Validate(); err != nil {
				return fmt.Errorf("expectation %s source %s/%s: %w", e.ID, ref.ContainerID, accessorID, err)
			}
			if !e.Type.AcceptsSourceAccessor(accessor.Type) {
				return fmt.Errorf("expectation %s: accessor type %s is not a valid %s source", e.ID, accessor.Type, e.Type)
			}
		}
	}
	for _, ref := range e.EndRequirement.Containers {
		for accessorID, accessor := range ref.Accessors {
			if err := accessor.Validate(); err != nil {
				return fmt.Errorf("expectation %s target %s/%s: %w", e.ID, ref.ContainerID, accessorID, err)
			}
		}
	}
	return nil
}

// DefinitionHash digests the full definition. Ingest compares it against the
// previously stored one to decide between no-op and restart.
func (e Expectation) DefinitionHash() (string, error) {
	return objhash.Hash(e)
}

// Label returns a short human identifier for logs and status lines.
func (e Expectation) Label() string {
	if label := strings.TrimSpace(e.StatusReport.Label); label != "" {
		return label
	}
	return string(e.ID)
}
