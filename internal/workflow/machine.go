package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jkatigb/storai-app/internal/cache"
	"github.com/jkatigb/storai-app/internal/model"
	"github.com/jkatigb/storai-app/internal/story"
)

var (
	ErrInvalidParameters   = errors.New("invalid story parameters")
	ErrAwaitingFeedback    = errors.New("session is awaiting feedback")
	ErrNotAwaitingFeedback = errors.New("session is not awaiting feedback")
	ErrStageFailed         = errors.New("stage generation failed")
	ErrNoSection           = errors.New("story has no current section")
	ErrMissingOwner        = errors.New("session owner required")
)

// Options 状态机选项
type Options struct {
	// AutoAdvance 进入生成状态后立即执行生成
	AutoAdvance bool
	// Illustrate 章节审核通过后先生成插图
	Illustrate bool
	// ReviseWithFeedback 驳回意见传入重新生成
	ReviseWithFeedback bool
	Log                logrus.FieldLogger
	Now                func() time.Time
}

// Snapshot 会话快照，Story为深拷贝
type Snapshot struct {
	SessionID        string       `json:"session_id"`
	CurrentStep      Step         `json:"current_step"`
	Story            *model.Story `json:"story"`
	Feedback         string       `json:"feedback,omitempty"`
	Approved         bool         `json:"approved"`
	RequiresFeedback bool         `json:"requires_feedback"`
	Complete         bool         `json:"complete"`
}

// Preview 故事预览
type Preview struct {
	SessionID string           `json:"session_id"`
	Title     string           `json:"title"`
	Synopsis  string           `json:"synopsis,omitempty"`
	Sections  []PreviewSection `json:"sections"`
	Complete  bool             `json:"complete"`
}

type PreviewSection struct {
	Name   string         `json:"name"`
	Scenes []PreviewScene `json:"scenes"`
}

type PreviewScene struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

// Machine 故事工作流状态机
type Machine struct {
	stages *story.Stages
	store  SessionStore
	table  Table
	opts   Options
	log    logrus.FieldLogger
	now    func() time.Time
	locks  sessionLocks
}

func New(stages *story.Stages, store SessionStore, opts Options) *Machine {
	m := &Machine{
		stages: stages,
		store:  store,
		table:  NewTable(opts.Illustrate),
		opts:   opts,
		log:    opts.Log,
		now:    opts.Now,
	}
	if m.log == nil {
		m.log = logrus.StandardLogger()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start 为owner创建会话，初始状态为synopsis
func (m *Machine) Start(ctx context.Context, owner string, params model.StoryParameters) (Snapshot, error) {
	if owner == "" {
		return Snapshot{}, ErrMissingOwner
	}
	if err := params.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	now := m.now()
	sess := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Step:      StepSynopsis,
		Story:     &model.Story{Parameters: params, Sections: []model.Section{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return Snapshot{}, err
	}
	m.log.WithFields(logrus.Fields{"session": sess.ID, "owner": owner}).Info("story session started")

	if !m.opts.AutoAdvance {
		return snapshotOf(sess), nil
	}
	unlock := m.locks.lock(sess.ID)
	defer unlock()
	next, err := m.generate(ctx, sess)
	if err != nil {
		return snapshotOf(sess), err
	}
	return snapshotOf(next), nil
}

// Advance 执行当前生成状态（修订状态先映射回生成状态），然后进入对应审核
func (m *Machine) Advance(ctx context.Context, sessionID, owner string) (Snapshot, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID, owner)
	if err != nil {
		return Snapshot{}, err
	}
	switch sess.Step.Class() {
	case ClassReview:
		return snapshotOf(sess), ErrAwaitingFeedback
	case ClassTerminal:
		return snapshotOf(sess), nil
	}
	next, err := m.generate(ctx, sess)
	if err != nil {
		return snapshotOf(sess), err
	}
	return snapshotOf(next), nil
}

// Submit 提交审核意见并按转移表前进
func (m *Machine) Submit(ctx context.Context, sessionID, owner, feedback string, approved bool) (Snapshot, error) {
	unlock := m.locks.lock(sessionID)
	defer unlock()

	sess, err := m.load(ctx, sessionID, owner)
	if err != nil {
		return Snapshot{}, err
	}
	if !sess.Step.RequiresFeedback() {
		return snapshotOf(sess), ErrNotAwaitingFeedback
	}

	work := sess.Clone()
	work.Feedback = feedback
	work.Approved = approved
	next, err := m.table.Apply(sess.Step, approved, work.Story)
	if err != nil {
		return snapshotOf(sess), err
	}
	work.Step = next
	work.UpdatedAt = m.now()
	if err := m.store.Update(ctx, work); err != nil {
		return snapshotOf(sess), err
	}
	m.log.WithFields(logrus.Fields{
		"session":  sessionID,
		"from":     sess.Step,
		"to":       next,
		"approved": approved,
		"section":  work.Story.CurrentSectionIndex,
	}).Info("feedback applied")

	if !m.opts.AutoAdvance {
		return snapshotOf(work), nil
	}
	if c := next.Class(); c != ClassGeneration && c != ClassRevision {
		return snapshotOf(work), nil
	}
	generated, err := m.generate(ctx, work)
	if err != nil {
		// 审核结果已提交，返回已提交状态
		return snapshotOf(work), err
	}
	return snapshotOf(generated), nil
}

func (m *Machine) Get(ctx context.Context, sessionID, owner string) (Snapshot, error) {
	sess, err := m.load(ctx, sessionID, owner)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(sess), nil
}

// Preview 故事预览
func (m *Machine) Preview(ctx context.Context, sessionID, owner string) (Preview, error) {
	sess, err := m.load(ctx, sessionID, owner)
	if err != nil {
		return Preview{}, err
	}
	p := Preview{
		SessionID: sess.ID,
		Title:     sess.Story.Title,
		Synopsis:  sess.Story.Synopsis,
		Sections:  make([]PreviewSection, 0, len(sess.Story.Sections)),
		Complete:  sess.Step == StepComplete,
	}
	for _, sec := range sess.Story.Sections {
		ps := PreviewSection{Name: sec.Name, Scenes: make([]PreviewScene, 0, len(sec.Scenes))}
		for _, sc := range sec.Scenes {
			ps.Scenes = append(ps.Scenes, PreviewScene{Text: sc.Text, ImageURL: sc.ImageURL})
		}
		p.Sections = append(p.Sections, ps)
	}
	return p, nil
}

// End 结束并删除会话
func (m *Machine) End(ctx context.Context, sessionID, owner string) error {
	unlock := m.locks.lock(sessionID)
	defer unlock()
	if _, err := m.load(ctx, sessionID, owner); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	m.log.WithField("session", sessionID).Info("story session ended")
	return nil
}

// load 读取会话，不属于owner的会话视为不存在
func (m *Machine) load(ctx context.Context, sessionID, owner string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Owner != owner {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// generate 在副本上执行生成，成功后才提交；失败时会话保持不变
func (m *Machine) generate(ctx context.Context, sess *Session) (*Session, error) {
	revision := sess.Step.Class() == ClassRevision
	step := generationFor(sess.Step)
	if step.Class() != ClassGeneration {
		return nil, fmt.Errorf("%w: %s is not a generation step", ErrNoTransition, sess.Step)
	}

	feedback := ""
	if revision {
		// 修订不命中缓存，否则会返回刚被驳回的内容
		ctx = cache.WithBypass(ctx)
		if m.opts.ReviseWithFeedback {
			feedback = sess.Feedback
		}
	}

	log := m.log.WithFields(logrus.Fields{"session": sess.ID, "step": step, "revision": revision})
	work := sess.Clone()
	start := m.now()
	if err := m.runStage(ctx, step, work.Story, feedback, revision); err != nil {
		log.WithError(err).Warn("stage failed, session unchanged")
		return nil, fmt.Errorf("%w: %s: %w", ErrStageFailed, step, err)
	}

	next, err := m.table.Apply(step, true, work.Story)
	if err != nil {
		return nil, err
	}
	work.Step = next
	work.UpdatedAt = m.now()
	if err := m.store.Update(ctx, work); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"to": next, "elapsed": work.UpdatedAt.Sub(start)}).Info("stage generated")
	return work, nil
}

func (m *Machine) runStage(ctx context.Context, step Step, st *model.Story, feedback string, revision bool) error {
	params := st.Parameters
	switch step {
	case StepSynopsis:
		out, err := m.stages.Synopsis(ctx, params, feedback)
		if err != nil {
			return err
		}
		st.Synopsis = out.Synopsis
		if out.Title != "" {
			st.Title = out.Title
		}
	case StepOutline:
		out, err := m.stages.Outline(ctx, params, st.Synopsis, feedback)
		if err != nil {
			return err
		}
		st.Sections = out.Sections
		st.CurrentSectionIndex = 0
		if st.Title == "" {
			st.Title = out.Title
		}
	case StepSection:
		sec := st.CurrentSection()
		if sec == nil {
			return ErrNoSection
		}
		scenes, err := m.stages.DevelopSection(ctx, params, *sec, sectionContext(st), feedback)
		if err != nil {
			return err
		}
		sec.Scenes = scenes
	case StepImages:
		sec := st.CurrentSection()
		if sec == nil {
			return ErrNoSection
		}
		target := *sec
		if revision {
			target.Scenes = make([]model.Scene, len(sec.Scenes))
			for i, sc := range sec.Scenes {
				sc.ImagePrompt, sc.ImageURL = "", ""
				target.Scenes[i] = sc
			}
		}
		scenes, err := m.stages.IllustrateSection(ctx, params, target)
		if err != nil {
			return err
		}
		sec.Scenes = scenes
	default:
		return fmt.Errorf("%w: %s", ErrNoTransition, step)
	}
	return nil
}

// sectionContext 展开章节时附带的上下文：标题、概要、前一章最后一幕和下一章名
func sectionContext(st *model.Story) map[string]string {
	extra := map[string]string{"title": st.Title, "synopsis": st.Synopsis}
	i := st.CurrentSectionIndex
	if i > 0 {
		prev := st.Sections[i-1]
		if n := len(prev.Scenes); n > 0 {
			extra["previous_scene"] = prev.Scenes[n-1].Text
		}
	}
	if i+1 < len(st.Sections) {
		extra["next_section"] = st.Sections[i+1].Name
	}
	return extra
}

func snapshotOf(s *Session) Snapshot {
	return Snapshot{
		SessionID:        s.ID,
		CurrentStep:      s.Step,
		Story:            s.Story.Clone(),
		Feedback:         s.Feedback,
		Approved:         s.Approved,
		RequiresFeedback: s.Step.RequiresFeedback(),
		Complete:         s.Step == StepComplete,
	}
}
