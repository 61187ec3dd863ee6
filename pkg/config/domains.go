package config

// DefaultDomains is the curated allow-list with the Google News
// publication tokens SerpAPI accepts and the MBFC lean of each outlet.
func DefaultDomains() []Domain {
	return []Domain{
		{Domain: "reuters.com", PublicationToken: "CAAqBggKMLegDDCwJg", Lean: "least-biased"},
		{Domain: "ft.com", PublicationToken: "CAAqBwgKMPuH1gcw-M9I", Lean: "least-biased"},
		{Domain: "hbr.org", PublicationToken: "CAAqIAgKIhpDQklTRFFnTWFna0tCMmhpY2k1dmNtY29BQVAB", Lean: "least-biased"},
		{Domain: "economist.com", PublicationToken: "CAAqKAgKIiJDQklTRXdnTWFnOEtEV1ZqYjI1dmJXbHpkQzVqYjIwb0FBUAE", Lean: "least-biased"},
		{Domain: "theconversation.com", PublicationToken: "CAAqMAgKIipDQklTR1FnTWFoVUtFM1JvWldOdmJuWmxjbk5oZEdsdmJpNWpiMjBvQUFQAQ", Lean: "least-biased"},
		{Domain: "nytimes.com", PublicationToken: "CAAqBwgKMI7rigMwlq88", Lean: "left-center"},
		{Domain: "theguardian.com", PublicationToken: "CAAqBggKMJeqezDfswk", Lean: "left-center"},
		{Domain: "washingtonpost.com", PublicationToken: "CAAqBwgKMI7UlAowt9F0", Lean: "left-center"},
		{Domain: "forbes.com", PublicationToken: "CAAqBggKMK6pATCgRQ", Lean: "right-center"},
		{Domain: "wsj.com", PublicationToken: "CAAqBwgKMNbcyQEw58sV", Lean: "right-center"},
		{Domain: "newsweek.com", PublicationToken: "CAAqBwgKMO-82wow4qvMAQ", Lean: "right-center"},
	}
}

func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	}
}
