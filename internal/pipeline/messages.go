package pipeline

import (
	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// Client-facing progress messages. The service answers in Spanish.
const (
	msgQueued         = "Consulta en cola."
	msgQueryingSisben = "Consultando SISBEN..."
	msgQueryingRegist = "Consultando Registraduría..."
	msgSolvingCaptcha = "Resolviendo CAPTCHA..."
	msgDeferred       = "Registraduría programada en el job "
	msgCompleted      = "Consulta completada."
	msgRegistNotFound = "Cédula no encontrada en el censo electoral."
	msgCaptchaFailed  = "No se pudo resolver el CAPTCHA."
	msgStageBError    = "Error consultando Registraduría"
	msgPipelineError  = "Error procesando la consulta"
)

// stageAMessage describes the stage A outcome and what happens next.
func stageAMessage(out consulta.StageOutcome, mode consulta.Mode) string {
	var head string
	switch out.Kind {
	case consulta.OutcomeFound:
		head = "Consulta SISBEN completada."
	case consulta.OutcomeNotFound:
		head = "Cédula no encontrada en SISBEN."
	case consulta.OutcomeCaptchaUnsolved:
		head = "No se pudo resolver el CAPTCHA de SISBEN: " + out.Detail() + "."
	default:
		head = "Error consultando SISBEN: " + out.Detail() + "."
	}
	switch mode {
	case consulta.ModeImmediate:
		return head + " " + msgQueryingRegist
	case consulta.ModeDeferred:
		return head + " Registraduría programada."
	default:
		return head
	}
}

// withDetail appends a failure detail to msg.
func withDetail(msg, detail string) string {
	if detail == "" {
		return msg
	}
	return msg + ": " + detail
}
