package workflow

import (
	"errors"
	"fmt"

	"github.com/jkatigb/storai-app/internal/model"
)

var ErrNoTransition = errors.New("no transition defined")

// Transition 转移目标。Advance为true时目标由章节进度决定：
// 还有章节则索引加一并回到section，否则complete
type Transition struct {
	To      Step
	Advance bool
}

type transitionKey struct {
	step     Step
	approved bool
}

// Table 显式状态转移表，以(状态, 是否通过)为键
type Table struct {
	rows map[transitionKey]Transition
}

// NewTable 构建转移表。illustrate开启时章节审核通过后先进入images
func NewTable(illustrate bool) Table {
	t := Table{rows: make(map[transitionKey]Transition)}
	both := func(from Step, to Transition) {
		t.rows[transitionKey{from, true}] = to
		t.rows[transitionKey{from, false}] = to
	}

	// 生成 -> 对应审核
	both(StepSynopsis, Transition{To: StepReviewSynopsis})
	both(StepOutline, Transition{To: StepReviewOutline})
	both(StepSection, Transition{To: StepReviewSection})
	both(StepImages, Transition{To: StepReviewImages})

	// 审核通过
	t.rows[transitionKey{StepReviewSynopsis, true}] = Transition{To: StepOutline}
	t.rows[transitionKey{StepReviewOutline, true}] = Transition{To: StepSection}
	if illustrate {
		t.rows[transitionKey{StepReviewSection, true}] = Transition{To: StepImages}
	} else {
		t.rows[transitionKey{StepReviewSection, true}] = Transition{Advance: true}
	}
	t.rows[transitionKey{StepReviewImages, true}] = Transition{Advance: true}

	// 审核驳回
	t.rows[transitionKey{StepReviewSynopsis, false}] = Transition{To: StepReviseReviewSynopsis}
	t.rows[transitionKey{StepReviewOutline, false}] = Transition{To: StepReviseReviewOutline}
	t.rows[transitionKey{StepReviewSection, false}] = Transition{To: StepReviseReviewSection}
	t.rows[transitionKey{StepReviewImages, false}] = Transition{To: StepReviseReviewImages}

	// 修订 -> 重新生成
	both(StepReviseReviewSynopsis, Transition{To: StepSynopsis})
	both(StepReviseReviewOutline, Transition{To: StepOutline})
	both(StepReviseReviewSection, Transition{To: StepSection})
	both(StepReviseReviewImages, Transition{To: StepImages})

	both(StepComplete, Transition{To: StepComplete})
	return t
}

// Lookup 查表
func (t Table) Lookup(step Step, approved bool) (Transition, bool) {
	tr, ok := t.rows[transitionKey{step, approved}]
	return tr, ok
}

// Apply 计算下一个状态，Advance时会修改story的章节索引
func (t Table) Apply(step Step, approved bool, story *model.Story) (Step, error) {
	tr, ok := t.Lookup(step, approved)
	if !ok {
		return step, fmt.Errorf("%w: %s approved=%t", ErrNoTransition, step, approved)
	}
	if !tr.Advance {
		return tr.To, nil
	}
	if story != nil && story.HasMoreSections() {
		story.CurrentSectionIndex++
		return StepSection, nil
	}
	return StepComplete, nil
}

// generationFor 修订状态对应的生成状态，其余状态原样返回
func generationFor(step Step) Step {
	switch step {
	case StepReviseReviewSynopsis:
		return StepSynopsis
	case StepReviseReviewOutline:
		return StepOutline
	case StepReviseReviewSection:
		return StepSection
	case StepReviseReviewImages:
		return StepImages
	}
	return step
}
