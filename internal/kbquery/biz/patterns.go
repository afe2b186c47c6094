package biz

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// 控制项编号的正则族。
var controlPatterns = []*regexp.Regexp{
	// BSI IT-Grundschutz 要求，例如 ORP.4.A1、OPS.1.1.5.A3
	regexp.MustCompile(`\b[A-Z]{3,4}(?:\.\d{1,2})+\.A\d{1,3}\b`),
	// ISO/IEC 27001 Annex A，例如 A.9.4.2、A.5.15
	regexp.MustCompile(`\bA\.\d{1,2}\.\d{1,2}(?:\.\d{1,2})?\b`),
	// NIST SP 800-53，例如 AC-2、AC-2(1)
	regexp.MustCompile(`\b[A-Z]{2}-\d{1,2}\b(?:\(\d{1,2}\))?`),
	// BSI C5，例如 IDM-01、OPS-12
	regexp.MustCompile(`\b[A-Z]{3}-\d{2}\b`),
}

type canonicalPattern struct {
	name string
	re   *regexp.Regexp
}

func canon(name, pattern string) canonicalPattern {
	return canonicalPattern{name: name, re: regexp.MustCompile(`(?i)` + pattern)}
}

var standardPatterns = []canonicalPattern{
	canon("BSI C5", `\b(?:bsi\s*)?c5\b`),
	canon("BSI IT-Grundschutz", `\b(?:bsi\s*)?(?:it-)?grundschutz\w*`),
	canon("ISO 27001", `\biso(?:/iec)?[\s-]*27001\b`),
	canon("ISO 27002", `\biso(?:/iec)?[\s-]*27002\b`),
	canon("NIST 800-53", `\bnist(?:\s*sp)?\s*800-53\b`),
	canon("NIST CSF", `\bnist\s*csf\b|\bcybersecurity framework\b`),
	canon("GDPR", `\bgdpr\b|\bdsgvo\b`),
	canon("SOC 2", `\bsoc\s*2\b`),
	canon("PCI DSS", `\bpci[\s-]*dss\b`),
	canon("CIS Controls", `\bcis(?:\s+controls?|\s+benchmarks?)\b`),
}

var technologyPatterns = []canonicalPattern{
	canon("Azure", `\bazure\b|\bentra\s*id\b`),
	canon("AWS", `\baws\b|\bamazon web services\b`),
	canon("Google Cloud", `\bgcp\b|\bgoogle cloud\b`),
	canon("Kubernetes", `\bkubernetes\b|\bk8s\b`),
	canon("Docker", `\bdocker\b`),
	canon("Terraform", `\bterraform\b`),
	canon("Active Directory", `\bactive directory\b`),
	canon("Linux", `\blinux\b`),
	canon("Windows", `\bwindows(?:\s+server)?\b`),
	canon("VMware", `\bvmware\b`),
	canon("Okta", `\bokta\b`),
	canon("HashiCorp Vault", `\bvault\b`),
	canon("PostgreSQL", `\bpostgres(?:ql)?\b`),
	canon("Microsoft 365", `\b(?:microsoft|office)\s*365\b|\bm365\b`),
}

var conceptPatterns = []canonicalPattern{
	canon("MFA", `\bmfa\b|\b2fa\b|multi[\s-]?fa(?:k|c)tor\w*|zwei[\s-]?faktor\w*`),
	canon("Access Control", `zugriffskontroll\w*|zugangskontroll\w*|zugriffsrecht\w*|\baccess control\w*`),
	canon("Encryption", `verschlüssel\w*|\bencrypt\w*|kryptogra\w*|cryptograph\w*`),
	canon("Logging", `protokollier\w*|\blogging\b|\baudit[\s-]?logs?\b`),
	canon("Password Policy", `passw(?:o|ö)rt\w*|\bpasswords?\b|kennw(?:o|ö)rt\w*`),
	canon("Backup", `\bbackups?\b|datensicherung\w*`),
	canon("Incident Management", `\bincident\w*|sicherheitsvorf\w*`),
	canon("Patch Management", `\bpatch\w*`),
	canon("Network Segmentation", `segmentier\w*|\bsegmentation\b`),
	canon("Identity Management", `identitätsmanagement|\bidentity management\b|\biam\b`),
	canon("Vulnerability Management", `schwachstell\w*|\bvulnerabilit\w*`),
	canon("Risk Management", `risikomanagement|\brisk management\b|risikoanalyse`),
}

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+(?:[.\-][\p{L}\p{N}]+)*`)

var stopwords = func() map[string]bool {
	words := []string{
		// de
		"der", "die", "das", "den", "dem", "des", "ein", "eine", "einen", "einem", "einer", "und", "oder",
		"aber", "mit", "für", "von", "zur", "zum", "bei", "auf", "aus", "nach", "über", "unter", "wie",
		"was", "wer", "wann", "warum", "welche", "welcher", "welches", "ich", "wir", "sie", "ihr", "ist",
		"sind", "wird", "werden", "kann", "können", "soll", "sollte", "muss", "nicht", "auch", "noch",
		"nur", "sich", "dass", "als", "hat", "haben", "gibt", "zwischen", "diese", "dieser", "dieses",
		"mein", "meine", "unsere", "man", "zu", "im", "in", "am", "an",
		// en
		"the", "and", "for", "with", "from", "that", "this", "these", "those", "what", "which", "who",
		"when", "where", "why", "how", "are", "was", "were", "can", "could", "should", "would", "does",
		"did", "has", "have", "not", "into", "about", "between", "our", "your", "you", "its", "there",
		"their", "any", "all", "tell", "please", "need",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

// PatternExtractor 基于固定正则族的确定性实体抽取，无状态，可并发使用。
type PatternExtractor struct{}

// NewPatternExtractor 创建实体抽取器。
func NewPatternExtractor() *PatternExtractor {
	return &PatternExtractor{}
}

// Extract 抽取控制项、标准、技术与安全概念。标准、技术与概念使用规范名称。
func (p *PatternExtractor) Extract(text string) Entities {
	if strings.TrimSpace(text) == "" {
		return Entities{}
	}

	var controls []string
	for _, re := range controlPatterns {
		controls = append(controls, re.FindAllString(text, -1)...)
	}

	return Entities{
		Controls:     mergeUnique(controls),
		Standards:    matchCanonical(standardPatterns, text),
		Technologies: matchCanonical(technologyPatterns, text),
		Concepts:     matchCanonical(conceptPatterns, text),
	}
}

func matchCanonical(patterns []canonicalPattern, text string) []string {
	out := make([]string, 0)
	for _, p := range patterns {
		if p.re.MatchString(text) {
			out = append(out, p.name)
		}
	}
	return out
}

// Keywords 返回小写检索关键词：长度至少 3 个字符、去除停用词并去重，保持出现顺序。
func (p *PatternExtractor) Keywords(text string) []string {
	tokens := tokenPattern.FindAllString(text, -1)
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(t)
		if utf8.RuneCountInString(t) < 3 || stopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// IsControlID 判断 s 是否为完整的控制项编号。
func IsControlID(s string) bool {
	for _, re := range controlPatterns {
		if loc := re.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
			return true
		}
	}
	return false
}

// Sentences 将文本切分为句子，用于实体共现判断。
func Sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		end := false
		switch r {
		case '\n', '!', '?', ';':
			end = true
		case '.':
			// 控制项编号与小数中的点不作为句末
			end = i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n'
		}
		if end {
			if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}
