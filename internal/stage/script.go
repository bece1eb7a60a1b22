package stage

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/extract"
)

// StepKind is a form interaction.
type StepKind int

// Form interactions.
const (
	// StepSelect picks Value in a <select>.
	StepSelect StepKind = iota + 1
	// StepTypeSubject types the subject id into an input.
	StepTypeSubject
)

// Step is one form interaction. Optional steps log and continue on failure.
type Step struct {
	Kind     StepKind
	Selector string
	Value    string
	Optional bool
}

// Script describes how to query one site.
type Script struct {
	Stage         consulta.Stage
	URL           string
	ReadySelector string
	Steps         []Step
	SiteKey       string
	// Action is set for reCAPTCHA v3 challenges.
	Action         string
	SubmitSelector string
	// InjectToken returns the JavaScript that places a solved token in the form.
	InjectToken func(token string) string
	Extractor   consulta.Extractor
	// AbsentText reports page text that means the subject is not on file.
	// When it matches, the stage is not found even if the page still parses
	// into fields.
	AbsentText func(text string) bool
}

// Site overrides the target URL and CAPTCHA parameters of a default script.
type Site struct {
	URL     string
	SiteKey string
	Action  string
}

// Default SISBEN and Registraduría parameters.
const (
	SisbenURL            = "https://reportes.sisben.gov.co/dnp_sisbenconsulta"
	SisbenSiteKey        = "6Lfh6kwcAAAAANT-kyprjG-m2yGmDmfOCvXinRE6"
	SisbenAction         = "submit"
	RegistraduriaURL     = "https://wsp.registraduria.gov.co/censo/consultar"
	RegistraduriaSiteKey = "6LcthjAgAAAAAFIQLxy52074zanHv47cIvmIHglH"
)

// SisbenScript returns the stage A script. Zero fields of site keep the defaults.
func SisbenScript(site Site) Script {
	site = withSiteDefaults(site, Site{URL: SisbenURL, SiteKey: SisbenSiteKey, Action: SisbenAction})
	return Script{
		Stage:         consulta.StageA,
		URL:           site.URL,
		ReadySelector: "select#TipoID",
		Steps: []Step{
			// 3 is "Cédula de Ciudadanía".
			{Kind: StepSelect, Selector: "select#TipoID", Value: "3"},
			{Kind: StepTypeSubject, Selector: "input#documento"},
		},
		SiteKey:        site.SiteKey,
		Action:         site.Action,
		SubmitSelector: "input#botonenvio",
		InjectToken:    hiddenInputToken,
		Extractor:      extract.NewSisben(),
	}
}

// RegistraduriaScript returns the stage B script. Zero fields of site keep the defaults.
func RegistraduriaScript(site Site) Script {
	site = withSiteDefaults(site, Site{URL: RegistraduriaURL, SiteKey: RegistraduriaSiteKey})
	return Script{
		Stage:         consulta.StageB,
		URL:           site.URL,
		ReadySelector: "input#nuip",
		Steps: []Step{
			{Kind: StepTypeSubject, Selector: "input#nuip"},
			// -1 is the current polling place.
			{Kind: StepSelect, Selector: "select#tipo", Value: "-1", Optional: true},
		},
		SiteKey:        site.SiteKey,
		Action:         site.Action,
		SubmitSelector: `input[type="submit"]#enviar`,
		InjectToken:    textareaToken,
		Extractor:      extract.NewRegistraduria(),
		AbsentText:     extract.IsNotFoundText,
	}
}

func withSiteDefaults(site, defaults Site) Site {
	if site.URL == "" {
		site.URL = defaults.URL
	}
	if site.SiteKey == "" {
		site.SiteKey = defaults.SiteKey
	}
	if site.Action == "" {
		site.Action = defaults.Action
	}
	return site
}

// hiddenInputToken replaces any g-recaptcha-response input of the first form
// with a hidden input holding token.
func hiddenInputToken(token string) string {
	return fmt.Sprintf(`(() => {
	const form = document.querySelector('form');
	if (!form) { return false; }
	const existing = form.querySelector('input[name="g-recaptcha-response"]');
	if (existing) { existing.remove(); }
	const input = document.createElement('input');
	input.type = 'hidden';
	input.name = 'g-recaptcha-response';
	input.value = %s;
	form.appendChild(input);
	return true;
})()`, jsString(token))
}

// textareaToken fills the widget's response textarea.
func textareaToken(token string) string {
	return fmt.Sprintf(`(() => {
	const area = document.getElementById('g-recaptcha-response');
	if (!area) { return false; }
	area.innerHTML = %[1]s;
	area.value = %[1]s;
	return true;
})()`, jsString(token))
}

func jsString(s string) string {
	quoted, _ := json.Marshal(s)
	return string(quoted)
}
