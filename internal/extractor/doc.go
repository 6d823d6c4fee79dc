// Package extractor turns fetched pages into opportunity records. LLM
// backends (Gemini through eino, Ollama over HTTP) read a cleaned markdown
// rendition of the page; the heuristic backend walks the DOM with goquery.
package extractor
