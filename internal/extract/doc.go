// Package extract parses result page markup from the lookup sites into field
// maps. Extractors never fail on unfamiliar markup: they return an empty map,
// which callers treat as "no data".
package extract
