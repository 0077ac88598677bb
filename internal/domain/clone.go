package domain

// Clone returns a deep copy so callers can mutate the result without aliasing slices or maps.
func (o Order) Clone() Order {
	out := o
	out.Items = cloneLines(o.Items)
	out.History = append([]StatusHistoryEntry(nil), o.History...)
	out.AppendBatches = append([]AppendBatch(nil), o.AppendBatches...)
	out.Quote = o.Quote.Clone()
	if o.Metadata != nil {
		out.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			out.Metadata[k] = v
		}
	}
	if o.InvoiceIssuedAt != nil {
		issued := *o.InvoiceIssuedAt
		out.InvoiceIssuedAt = &issued
	}
	if o.Payment.ConfirmedAt != nil {
		confirmed := *o.Payment.ConfirmedAt
		out.Payment.ConfirmedAt = &confirmed
	}
	return out
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	out := q
	if q.Lines != nil {
		out.Lines = make([]QuoteLine, len(q.Lines))
		for i, line := range q.Lines {
			line.Options = append([]QuoteOption(nil), line.Options...)
			out.Lines[i] = line
		}
	}
	return out
}

func cloneLines(lines []OrderLineItem) []OrderLineItem {
	if lines == nil {
		return nil
	}
	out := make([]OrderLineItem, len(lines))
	for i, line := range lines {
		line.Options = append([]QuoteOption(nil), line.Options...)
		if line.AddedAt != nil {
			added := *line.AddedAt
			line.AddedAt = &added
		}
		out[i] = line
	}
	return out
}
