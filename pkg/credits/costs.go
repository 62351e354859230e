package credits

// ConverterCost prices one converter in credits.
type ConverterCost struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Cost     int64  `json:"cost"`
}

// Costs reflect processing weight: images are cheap, documents middling,
// video heavy. 1 credit ≈ R$ 0,20.
var converterCosts = []ConverterCost{
	{Slug: "png-to-jpg", Name: "PNG para JPG", Category: "Imagens", Cost: 1},
	{Slug: "jpg-to-webp", Name: "JPG para WebP", Category: "Imagens", Cost: 1},
	{Slug: "image-to-pdf", Name: "Imagem para PDF", Category: "Imagens", Cost: 2},
	{Slug: "image-optimize-whatsapp", Name: "Otimizar para WhatsApp", Category: "Imagens", Cost: 2},
	{Slug: "pdf-to-image", Name: "PDF para Imagem", Category: "Imagens", Cost: 2},
	{Slug: "docx-to-pdf", Name: "DOCX para PDF", Category: "Documentos", Cost: 3},
	{Slug: "pdf-compress", Name: "Comprimir PDF", Category: "Documentos", Cost: 3},
	{Slug: "excel-to-csv", Name: "Excel para CSV", Category: "Documentos", Cost: 2},
	{Slug: "json-to-csv", Name: "JSON para CSV", Category: "Documentos", Cost: 1},
	{Slug: "mpp-to-xml", Name: "MPP para XML", Category: "Documentos", Cost: 4},
	{Slug: "video-to-mp4", Name: "Vídeo para MP4", Category: "Vídeos", Cost: 5},
	{Slug: "video-to-social", Name: "Vídeo para Redes Sociais", Category: "Vídeos", Cost: 5},
	{Slug: "video-compress-whatsapp", Name: "Comprimir Vídeo para WhatsApp", Category: "Vídeos", Cost: 4},
}

// ConverterCosts returns the full price table.
func ConverterCosts() []ConverterCost {
	out := make([]ConverterCost, len(converterCosts))
	copy(out, converterCosts)
	return out
}

// CostFor resolves the credit cost of a converter by slug.
func CostFor(slug string) (ConverterCost, bool) {
	for _, cost := range converterCosts {
		if cost.Slug == slug {
			return cost, true
		}
	}
	return ConverterCost{}, false
}
