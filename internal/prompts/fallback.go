package prompts

// NoSchema stands in for the dataset schema when the tool server
// cannot provide it.
const NoSchema = "No schema available"

// DefaultSystemPrompt is used when the tool server cannot supply the
// analyst system prompt.
const DefaultSystemPrompt = `You are a helpful Supply Chain AI Assistant.
You can help analyze supply chain data, generate insights, and answer questions about operations.
Be professional, helpful, and provide actionable insights.`

// InitializingIntroduction is shown while the agent is not ready yet.
const InitializingIntroduction = `¡Hola! Soy tu Asistente de IA para Cadena de Suministro.

Puedo ayudarte con:
• Análisis de inventarios y niveles de stock
• Evaluación del rendimiento de proveedores
• Pronósticos de demanda y planificación
• Identificación de riesgos en la cadena de suministro
• Optimización de procesos logísticos

**Nota**: El sistema está inicializándose. Algunas funciones avanzadas estarán disponibles en unos momentos.

¿En qué puedo ayudarte hoy?`

// FallbackIntroduction is shown when the agent is ready but could not
// produce its own introduction.
const FallbackIntroduction = `¡Hola! Soy tu Asistente de IA para Cadena de Suministro.

Estoy aquí para ayudarte a analizar datos, generar insights y responder preguntas sobre tus operaciones de cadena de suministro.

¿Cómo puedo asistirte hoy?`
