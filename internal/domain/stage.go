package domain

// Stage is one node in the fixed pipeline DAG:
// fetch -> ocr -> compilation -> {extraction ->} deploy -> completed.
type Stage string

const (
	StageFetch       Stage = "fetch"
	StageOCR         Stage = "ocr"
	StageCompilation Stage = "compilation"
	StageExtraction  Stage = "extraction"
	StageDeploy      Stage = "deploy"
	StageCompleted   Stage = "completed"
)

// Next returns the stage that follows s for a site with extraction enabled
// or not, per the DAG fetch -> ocr -> compilation -> {extraction ->} deploy
// -> completed. ok is false when s has no successor (completed) or is not a
// recognized stage.
func (s Stage) Next(extractionEnabled bool) (Stage, bool) {
	switch s {
	case StageFetch:
		return StageOCR, true
	case StageOCR:
		return StageCompilation, true
	case StageCompilation:
		if extractionEnabled {
			return StageExtraction, true
		}
		return StageDeploy, true
	case StageExtraction:
		return StageDeploy, true
	case StageDeploy:
		return StageCompleted, true
	default:
		return "", false
	}
}

func (s Stage) Valid() bool {
	switch s {
	case StageFetch, StageOCR, StageCompilation, StageExtraction, StageDeploy, StageCompleted:
		return true
	default:
		return false
	}
}
