package workflow

import (
	"encoding/json"
	"fmt"
)

// Step 工作流状态
type Step uint8

const (
	StepSynopsis Step = iota
	StepReviewSynopsis
	StepOutline
	StepReviewOutline
	StepSection
	StepReviewSection
	StepImages
	StepReviewImages
	StepComplete
	StepReviseReviewSynopsis
	StepReviseReviewOutline
	StepReviseReviewSection
	StepReviseReviewImages
)

// Steps 所有状态，按声明顺序
var Steps = []Step{
	StepSynopsis, StepReviewSynopsis,
	StepOutline, StepReviewOutline,
	StepSection, StepReviewSection,
	StepImages, StepReviewImages,
	StepComplete,
	StepReviseReviewSynopsis, StepReviseReviewOutline,
	StepReviseReviewSection, StepReviseReviewImages,
}

var stepNames = map[Step]string{
	StepSynopsis:             "synopsis",
	StepReviewSynopsis:       "review_synopsis",
	StepOutline:              "outline",
	StepReviewOutline:        "review_outline",
	StepSection:              "section",
	StepReviewSection:        "review_section",
	StepImages:               "images",
	StepReviewImages:         "review_images",
	StepComplete:             "complete",
	StepReviseReviewSynopsis: "revise_review_synopsis",
	StepReviseReviewOutline:  "revise_review_outline",
	StepReviseReviewSection:  "revise_review_section",
	StepReviseReviewImages:   "revise_review_images",
}

// Class 状态类别
type Class uint8

const (
	ClassGeneration Class = iota
	ClassReview
	ClassRevision
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassGeneration:
		return "generation"
	case ClassReview:
		return "review"
	case ClassRevision:
		return "revision"
	case ClassTerminal:
		return "terminal"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", uint8(s))
}

func (s Step) Valid() bool {
	_, ok := stepNames[s]
	return ok
}

// Class 返回状态所属类别
func (s Step) Class() Class {
	switch s {
	case StepSynopsis, StepOutline, StepSection, StepImages:
		return ClassGeneration
	case StepReviewSynopsis, StepReviewOutline, StepReviewSection, StepReviewImages:
		return ClassReview
	case StepReviseReviewSynopsis, StepReviseReviewOutline, StepReviseReviewSection, StepReviseReviewImages:
		return ClassRevision
	default:
		return ClassTerminal
	}
}

// RequiresFeedback 是否等待用户审核
func (s Step) RequiresFeedback() bool { return s.Class() == ClassReview }

// ParseStep 按名称解析状态
func ParseStep(name string) (Step, error) {
	for s, n := range stepNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown workflow step %q", name)
}

func (s Step) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid workflow step %d", uint8(s))
	}
	return json.Marshal(s.String())
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStep(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
