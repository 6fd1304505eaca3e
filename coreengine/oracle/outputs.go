package oracle

// AnalysisOutput is the structured answer of the Error-Analysis stage.
type AnalysisOutput struct {
	ErrorType     string `json:"error_type" validate:"required" description:"Type of error (e.g. SyntaxError, TypeError, LogicError)"`
	ErrorLocation string `json:"error_location" description:"Location of the error in the code (line number, function name)"`
	RootCause     string `json:"root_cause" description:"Root cause analysis of the error"`
	Severity      string `json:"severity" description:"Error severity: low, medium, high, critical"`
	AffectedLines []int  `json:"affected_lines" description:"Line numbers affected by the error"`
}

// FixOutput is the structured answer of the Fix-Generation stage.
type FixOutput struct {
	FixedCode       string  `json:"fixed_code" validate:"required" description:"The corrected code"`
	Explanation     string  `json:"explanation" description:"Detailed explanation of the fix"`
	ConfidenceScore float64 `json:"confidence_score" validate:"gte=0,lte=1" description:"Confidence in the fix (0-1)"`
	ChangesSummary  string  `json:"changes_summary" description:"Summary of changes made"`
}

// ReviewOutput is the structured answer of the Fix-Review stage.
type ReviewOutput struct {
	IsFixValid      bool    `json:"is_fix_valid" description:"Whether the fix correctly solves the problem"`
	ReviewFeedback  string  `json:"review_feedback" description:"Detailed review feedback"`
	ConfidenceScore float64 `json:"confidence_score" validate:"gte=0,lte=1" description:"Confidence in the review (0-1)"`
	Suggestions     string  `json:"suggestions" description:"Suggestions for improvement if the fix is not valid"`
}

// Schemas requested by the three stages.
var (
	AnalysisSchema = MustSchemaFor[AnalysisOutput]("error_analysis",
		"Classification of the error: type, location, root cause, severity and affected lines")
	FixSchema = MustSchemaFor[FixOutput]("code_fix",
		"A corrected version of the code with explanation, confidence and change summary")
	ReviewSchema = MustSchemaFor[ReviewOutput]("fix_review",
		"A verdict on whether the candidate fix solves the error, with feedback and suggestions")
)
