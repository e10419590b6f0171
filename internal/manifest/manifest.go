// Package manifest interprets the archive's download.json: which datasets
// exist, when each was exported, and which partition files make it up.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Partition is one downloadable file of a dataset export.
type Partition struct {
	File        string `json:"file"`
	DisplayName string `json:"display_name"`
	SizeMB      string `json:"size_mb"`
	Records     int64  `json:"records"`
}

// Entry describes one dataset's current export.
type Entry struct {
	ExportDate   string      `json:"export_date"`
	TotalRecords int64       `json:"total_records"`
	Partitions   []Partition `json:"partitions"`
}

// Manifest is the decoded download.json. Results is keyed by dataset type
// (drug, device, food, ...) then by field name (event, label, ndc, ...).
type Manifest struct {
	Results map[string]map[string]Entry `json:"results"`
}

// FetchTask is one unit of synchronization work: a single partition file of
// a single dataset, carrying the export date that decides its freshness.
type FetchTask struct {
	DatasetType string
	FieldName   string
	Index       int
	URL         string
	ExportDate  string
}

// Name identifies the task in logs and reports.
func (t FetchTask) Name() string {
	return fmt.Sprintf("%s/%s[%d]", t.DatasetType, t.FieldName, t.Index)
}

// MalformedManifestError means the manifest cannot be interpreted at all.
// It is fatal for the run; no tasks are attempted.
type MalformedManifestError struct {
	Reason string
	Err    error
}

func (e *MalformedManifestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed manifest: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed manifest: %s", e.Reason)
}

func (e *MalformedManifestError) Unwrap() error { return e.Err }

// Parse decodes and validates manifest bytes. Any structural problem comes
// back as a MalformedManifestError.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &MalformedManifestError{Reason: "decode", Err: err}
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Results == nil {
		return &MalformedManifestError{Reason: "missing results object"}
	}
	for datasetType, fields := range m.Results {
		if fields == nil {
			return &MalformedManifestError{Reason: fmt.Sprintf("dataset %q has no fields", datasetType)}
		}
		for fieldName, entry := range fields {
			if entry.Partitions == nil {
				return &MalformedManifestError{
					Reason: fmt.Sprintf("entry %s/%s has no partitions list", datasetType, fieldName),
				}
			}
			for i, p := range entry.Partitions {
				if p.File == "" {
					return &MalformedManifestError{
						Reason: fmt.Sprintf("entry %s/%s partition %d has no file URL", datasetType, fieldName, i),
					}
				}
			}
		}
	}
	return nil
}

// Tasks walks the manifest and emits one FetchTask per partition, in a
// deterministic order: dataset types sorted, field names sorted, partitions
// as listed.
func (m *Manifest) Tasks() []FetchTask {
	var tasks []FetchTask

	datasetTypes := make([]string, 0, len(m.Results))
	for dt := range m.Results {
		datasetTypes = append(datasetTypes, dt)
	}
	sort.Strings(datasetTypes)

	for _, dt := range datasetTypes {
		fields := m.Results[dt]

		fieldNames := make([]string, 0, len(fields))
		for fn := range fields {
			fieldNames = append(fieldNames, fn)
		}
		sort.Strings(fieldNames)

		for _, fn := range fieldNames {
			entry := fields[fn]
			for i, p := range entry.Partitions {
				tasks = append(tasks, FetchTask{
					DatasetType: dt,
					FieldName:   fn,
					Index:       i,
					URL:         p.File,
					ExportDate:  entry.ExportDate,
				})
			}
		}
	}

	return tasks
}
