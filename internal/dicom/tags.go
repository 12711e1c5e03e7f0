package dicom

import "github.com/suyashkumar/dicom/pkg/tag"

// TagColumn maps a DICOM tag to a bronze column.
type TagColumn struct {
	Tag    tag.Tag
	Column string
}

// IngestTags are the header fields extracted per file, in column order.
var IngestTags = []TagColumn{
	{tag.PatientID, "patient_id"},
	{tag.PatientName, "patient_name"},
	{tag.StudyDate, "study_date"},
	{tag.StudyTime, "study_time"},
	{tag.Modality, "modality"},
	{tag.BodyPartExamined, "body_part"},
	{tag.StudyDescription, "study_desc"},
	{tag.SeriesDescription, "series_desc"},
	{tag.InstitutionName, "institution"},
	{tag.Manufacturer, "manufacturer"},
	{tag.ManufacturerModelName, "model"},
	{tag.InstitutionAddress, "institution_address"},
	{tag.AccessionNumber, "accession_number"},
	{tag.StudyInstanceUID, "study_uid"},
	{tag.SeriesInstanceUID, "series_uid"},
	{tag.SOPInstanceUID, "sop_uid"},
}

// FilePathColumn holds each record's path relative to the source directory.
const FilePathColumn = "file_path"
