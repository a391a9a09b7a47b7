package adapter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// Profile carries the site-specific selector strategies. Every lookup is an
// ordered list tried front to back; callers never learn which entry matched.
type Profile struct {
	LoginURL string

	IdentityFields []string
	SecretFields   []string
	LoginButtons   []string

	// LoggedInMarkers exist only on authenticated pages.
	LoggedInMarkers []string
	// CheckpointMarkers are URL substrings identifying a security challenge.
	CheckpointMarkers []string

	ApplyButtons  []string
	NextButtons   []string
	SubmitButtons []string

	AppliedMarkers []string
	ClosedMarkers  []string
	ErrorMarkers   []string
}

// DefaultProfile targets a generic "Easy Apply" flow. Real deployments load a
// site-tuned profile from configuration.
func DefaultProfile() Profile {
	return Profile{
		LoginURL:          "https://www.example-jobs.com/login",
		IdentityFields:    []string{`input#username`, `input[name="session_key"]`, `input[type="email"]`},
		SecretFields:      []string{`input#password`, `input[name="session_password"]`, `input[type="password"]`},
		LoginButtons:      []string{`button[type="submit"]`, `button[data-litms-control-urn="login-submit"]`},
		LoggedInMarkers:   []string{`[data-test="global-nav"]`, `nav.global-nav`, `#profile-nav-item`},
		CheckpointMarkers: []string{"/checkpoint/", "/challenge", "/verify", "captcha"},
		ApplyButtons:      []string{`button[data-test="easy-apply"]`, `button.jobs-apply-button`, `button[aria-label*="Easy Apply"]`},
		NextButtons:       []string{`button[aria-label="Continue to next step"]`, `button[data-easy-apply-next-button]`, `button[aria-label="Review your application"]`},
		SubmitButtons:     []string{`button[aria-label="Submit application"]`, `button[data-test="submit-application"]`},
		AppliedMarkers:    []string{`[data-test="application-submitted"]`, `.artdeco-inline-feedback--success`, `h2[id*="post-apply"]`},
		ClosedMarkers:     []string{`[data-test="job-closed"]`, `.jobs-details-top-card__apply-error`},
		ErrorMarkers:      []string{`[data-test="form-error"]`, `.artdeco-inline-feedback--error`},
	}
}

// EasyApply is the bundled PageAdapter. It only speaks the schemas.Page
// primitive surface, so it runs against any browser backend.
type EasyApply struct {
	profile Profile
	logger  *zap.Logger
}

var _ schemas.PageAdapter = (*EasyApply)(nil)

// New creates an adapter for the given site profile.
func New(profile Profile, logger *zap.Logger) *EasyApply {
	return &EasyApply{profile: profile, logger: logger.Named("adapter")}
}

// firstMatch returns the first selector in the ordered strategy list that
// matches on the page, or an error when none do.
func (a *EasyApply) firstMatch(ctx context.Context, page schemas.Page, selectors []string) (string, error) {
	for _, sel := range selectors {
		found, err := page.Exists(ctx, sel)
		if err != nil {
			return "", err
		}
		if found {
			return sel, nil
		}
	}
	return "", fmt.Errorf("no selector strategy matched (%d tried)", len(selectors))
}

// Login signs the page in, reporting a checkpoint interception when the site
// redirects into a challenge flow.
func (a *EasyApply) Login(ctx context.Context, page schemas.Page, creds schemas.Credentials) (schemas.LoginOutcome, error) {
	// An earlier checkpoint round may have left us already signed in.
	if ok, _ := a.anyExists(ctx, page, a.profile.LoggedInMarkers); ok {
		return schemas.LoginOutcome{Result: schemas.LoginOK}, nil
	}

	if err := page.Navigate(ctx, a.profile.LoginURL); err != nil {
		return schemas.LoginOutcome{}, fmt.Errorf("navigate to login: %w", err)
	}
	if out, done := a.classifyPostLogin(ctx, page); done {
		return out, nil
	}

	idSel, err := a.firstMatch(ctx, page, a.profile.IdentityFields)
	if err != nil {
		return schemas.LoginOutcome{}, fmt.Errorf("identity field: %w", err)
	}
	if err := page.Fill(ctx, idSel, creds.Identity); err != nil {
		return schemas.LoginOutcome{}, fmt.Errorf("fill identity: %w", err)
	}

	pwSel, err := a.firstMatch(ctx, page, a.profile.SecretFields)
	if err != nil {
		return schemas.LoginOutcome{}, fmt.Errorf("password field: %w", err)
	}
	if err := page.Fill(ctx, pwSel, creds.Secret); err != nil {
		return schemas.LoginOutcome{}, fmt.Errorf("fill password: %w", err)
	}

	btnSel, err := a.firstMatch(ctx, page, a.profile.LoginButtons)
	if err != nil {
		return schemas.LoginOutcome{}, fmt.Errorf("login button: %w", err)
	}
	if err := page.Click(ctx, btnSel); err != nil {
		return schemas.LoginOutcome{}, fmt.Errorf("click login: %w", err)
	}

	if out, done := a.classifyPostLogin(ctx, page); done {
		return out, nil
	}
	return schemas.LoginOutcome{Result: schemas.LoginFailure}, nil
}

// classifyPostLogin inspects the current page for a checkpoint redirect or an
// authenticated marker.
func (a *EasyApply) classifyPostLogin(ctx context.Context, page schemas.Page) (schemas.LoginOutcome, bool) {
	url, err := page.CurrentURL(ctx)
	if err == nil {
		lowered := strings.ToLower(url)
		for _, marker := range a.profile.CheckpointMarkers {
			if strings.Contains(lowered, marker) {
				return schemas.LoginOutcome{Result: schemas.LoginCheckpoint, CheckpointURL: url}, true
			}
		}
	}
	if ok, _ := a.anyExists(ctx, page, a.profile.LoggedInMarkers); ok {
		return schemas.LoginOutcome{Result: schemas.LoginOK}, true
	}
	return schemas.LoginOutcome{}, false
}

func (a *EasyApply) anyExists(ctx context.Context, page schemas.Page, selectors []string) (bool, error) {
	_, err := a.firstMatch(ctx, page, selectors)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// OpenApplication navigates to the posting and starts the in-page flow.
func (a *EasyApply) OpenApplication(ctx context.Context, page schemas.Page, jobURL string) error {
	if err := page.Navigate(ctx, jobURL); err != nil {
		return fmt.Errorf("navigate to posting: %w", err)
	}
	sel, err := a.firstMatch(ctx, page, a.profile.ApplyButtons)
	if err != nil {
		return fmt.Errorf("apply button: %w", err)
	}
	return page.Click(ctx, sel)
}

// extractScript pulls the currently rendered form questions in document
// order. Shape mirrors extractedQuestion below.
const extractScript = `
(() => {
    const out = [];
    document.querySelectorAll('.jobs-easy-apply-form-section__grouping, [data-test="form-element"]').forEach(group => {
        const label = group.querySelector('label, legend, .fb-form-element-label');
        if (!label) return;
        const text = label.innerText.trim();
        if (!text) return;

        const select = group.querySelector('select');
        const radios = group.querySelectorAll('input[type="radio"]');
        const numeric = group.querySelector('input[type="number"], input[inputmode="numeric"]');

        if (select) {
            const options = Array.from(select.options)
                .map(o => o.text.trim())
                .filter(t => t && !/^select/i.test(t));
            out.push({text, kind: 'single-choice', options});
        } else if (radios.length > 0) {
            const options = Array.from(radios).map(r => {
                const l = group.querySelector('label[for="' + r.id + '"]');
                return l ? l.innerText.trim() : r.value;
            }).filter(Boolean);
            out.push({text, kind: 'single-choice', options});
        } else if (numeric) {
            if (!numeric.value) out.push({text, kind: 'numeric', options: []});
        } else {
            const input = group.querySelector('input[type="text"], textarea');
            if (input && !input.value) out.push({text, kind: 'free-text', options: []});
        }
    });
    return out;
})()
`

type extractedQuestion struct {
	Text    string   `json:"text"`
	Kind    string   `json:"kind"`
	Options []string `json:"options"`
}

// ExtractQuestions returns unanswered form questions in document order.
func (a *EasyApply) ExtractQuestions(ctx context.Context, page schemas.Page) ([]schemas.Question, error) {
	var raw []extractedQuestion
	if err := page.ExecuteScript(ctx, extractScript, &raw); err != nil {
		return nil, fmt.Errorf("question extraction: %w", err)
	}

	questions := make([]schemas.Question, 0, len(raw))
	for _, q := range raw {
		kind := schemas.QuestionKind(q.Kind)
		switch kind {
		case schemas.QuestionSingleChoice, schemas.QuestionFreeText, schemas.QuestionNumeric:
		default:
			kind = schemas.QuestionFreeText
		}
		questions = append(questions, schemas.Question{
			Text:    q.Text,
			Kind:    kind,
			Options: q.Options,
		})
	}
	a.logger.Debug("Extracted questions.", zap.Int("count", len(questions)))
	return questions, nil
}

// answerScript fills the control belonging to the labelled question. Returns
// true when a control was found and updated.
const answerScript = `
((questionText, answer) => {
    const groups = document.querySelectorAll('.jobs-easy-apply-form-section__grouping, [data-test="form-element"]');
    for (const group of groups) {
        const label = group.querySelector('label, legend, .fb-form-element-label');
        if (!label || label.innerText.trim() !== questionText) continue;

        const select = group.querySelector('select');
        if (select) {
            for (const opt of select.options) {
                if (opt.text.trim() === answer) {
                    select.value = opt.value;
                    select.dispatchEvent(new Event('change', {bubbles: true}));
                    return true;
                }
            }
            return false;
        }

        const radios = group.querySelectorAll('input[type="radio"]');
        for (const r of radios) {
            const l = group.querySelector('label[for="' + r.id + '"]');
            if ((l ? l.innerText.trim() : r.value) === answer) {
                r.click();
                return true;
            }
        }
        if (radios.length > 0) return false;

        const input = group.querySelector('input[type="text"], input[type="number"], input[inputmode="numeric"], textarea');
        if (input) {
            const setter = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(input), 'value').set;
            setter.call(input, answer);
            input.dispatchEvent(new Event('input', {bubbles: true}));
            input.dispatchEvent(new Event('change', {bubbles: true}));
            return true;
        }
    }
    return false;
})
`

// ApplyAnswer fills the given answer into the question's control.
func (a *EasyApply) ApplyAnswer(ctx context.Context, page schemas.Page, q schemas.Question, answer string) error {
	call := fmt.Sprintf("%s(%s, %s)", answerScript, jsString(q.Text), jsString(answer))
	var ok bool
	if err := page.ExecuteScript(ctx, call, &ok); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}
	if !ok {
		return fmt.Errorf("no control found for question %q", q.Text)
	}
	return nil
}

// Advance moves to the next step: submit when available, otherwise next.
func (a *EasyApply) Advance(ctx context.Context, page schemas.Page) error {
	if sel, err := a.firstMatch(ctx, page, a.profile.SubmitButtons); err == nil {
		return page.Click(ctx, sel)
	}
	sel, err := a.firstMatch(ctx, page, a.profile.NextButtons)
	if err != nil {
		return fmt.Errorf("advance button: %w", err)
	}
	return page.Click(ctx, sel)
}

// DetectTerminalState reports whether the flow reached a terminal page.
func (a *EasyApply) DetectTerminalState(ctx context.Context, page schemas.Page) (schemas.TerminalState, error) {
	if ok, _ := a.anyExists(ctx, page, a.profile.AppliedMarkers); ok {
		return schemas.TerminalApplied, nil
	}
	if ok, _ := a.anyExists(ctx, page, a.profile.ClosedMarkers); ok {
		return schemas.TerminalClosed, nil
	}
	if ok, _ := a.anyExists(ctx, page, a.profile.ErrorMarkers); ok {
		return schemas.TerminalError, nil
	}
	return schemas.TerminalNone, nil
}

// jsString quotes a Go string as a JS string literal.
func jsString(s string) string {
	return fmt.Sprintf("%q", s)
}
