// Package consulta holds the job model, stage outcomes, sentinel errors and the
// collaborator interfaces (store, browser, extractor, CAPTCHA solver, blob store,
// publisher) that the pipeline packages are written against. It has no
// behavior of its own beyond small helpers on the types.
package consulta
